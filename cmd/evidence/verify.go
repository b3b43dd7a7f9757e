package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/evidence/internal/evidence"
)

var (
	verifyOrder   string
	verifyAll     bool
	verifyWorkers int
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify evidence against the persisted manifest",
		Long: `Verify locates the latest persisted manifest for an order, re-derives every
file it lists from the record store and blob store, and compares SHA-256
digests. The audit is written to the blob store under a new timestamped key.

Generated report files cannot be re-derived and are reported as inconclusive.
The command exits non-zero if any file is missing or does not match.`,
		Example: `  evidence verify --order TB-ABC1234
  evidence verify --all
  evidence verify --all --workers 8`,
		RunE: verifyRun,
	}

	cmd.Flags().StringVar(&verifyOrder, "order", "", "order id to verify")
	cmd.Flags().BoolVar(&verifyAll, "all", false, "verify every order in the record store")
	cmd.Flags().IntVar(&verifyWorkers, "workers", 0, "concurrent verifications for --all (default from config)")
	cmd.MarkFlagsMutuallyExclusive("order", "all")
	cmd.MarkFlagsOneRequired("order", "all")

	return cmd
}

func verifyRun(cmd *cobra.Command, args []string) error {
	if globalService == nil {
		return fmt.Errorf("evidence service not initialized")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if verifyAll {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return verifyAllRun(ctx)
	}

	audit, err := globalService.Verify(ctx, verifyOrder)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	printAudit(audit)
	if !audit.OverallOK {
		return fmt.Errorf("evidence for %s failed verification (%d mismatches)", audit.OrderID, len(audit.Mismatches))
	}
	return nil
}

func printAudit(a *evidence.Audit) {
	if quiet {
		return
	}
	fmt.Printf("Order:    %s\n", a.OrderID)
	fmt.Printf("Manifest: %s\n", a.SourceManifestKey)
	if a.AuditKey != "" {
		fmt.Printf("Audit:    %s\n", a.AuditKey)
	}
	fmt.Println()
	fmt.Printf("%-14s %-8s %s\n", "Status", "Kind", "File")
	for _, r := range a.PerFileResults {
		line := fmt.Sprintf("%-14s %-8s %s", r.Status, r.Kind, r.File)
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		fmt.Println(line)
	}
	fmt.Println()
	if a.OverallOK {
		fmt.Println("Result: PASS")
	} else {
		fmt.Printf("Result: FAIL (%d mismatches)\n", len(a.Mismatches))
	}
}

func verifyAllRun(ctx context.Context) error {
	ids, err := globalStore.ListOrderIDs(0)
	if err != nil {
		return fmt.Errorf("failed to list orders: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No orders to verify.")
		return nil
	}

	workers := verifyWorkers
	if workers <= 0 {
		workers = globalCfg.Evidence.VerifyWorkers
	}

	var summary evidence.Summary
	for p := range globalService.VerifyAll(ctx, ids, workers) {
		summary.Add(p)
		if quiet {
			continue
		}
		switch {
		case p.Error != "":
			fmt.Printf("[%d/%d] %-20s ERROR %s\n", p.Completed, p.Total, p.OrderID, p.Error)
		case p.OverallOK:
			fmt.Printf("[%d/%d] %-20s PASS\n", p.Completed, p.Total, p.OrderID)
		default:
			fmt.Printf("[%d/%d] %-20s FAIL %d mismatches\n", p.Completed, p.Total, p.OrderID, p.Mismatches)
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("verification interrupted after %d of %d orders", summary.Total, len(ids))
	}

	fmt.Printf("\nVerified %d orders: %d passed, %d failed, %d errors\n",
		summary.Total, summary.Passed, summary.Failed, summary.Errors)
	if summary.Failed > 0 || summary.Errors > 0 {
		return fmt.Errorf("%d orders did not pass verification", summary.Failed+summary.Errors)
	}
	return nil
}
