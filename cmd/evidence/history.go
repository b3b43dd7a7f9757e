package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyOrder string
	historyLimit int
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show export and verification history",
		Example: `  evidence history
  evidence history --order TB-ABC1234 --limit 5`,
		RunE: historyRun,
	}

	cmd.Flags().StringVar(&historyOrder, "order", "", "only show history for this order")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum entries per section")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	exports, err := globalStore.ListExportRecords(historyOrder, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list exports: %w", err)
	}
	verifications, err := globalStore.ListVerificationRecords(historyOrder, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list verifications: %w", err)
	}

	fmt.Println("Exports")
	if len(exports) == 0 {
		fmt.Println("  none")
	} else {
		fmt.Printf("  %-20s %-20s %-10s %6s %10s  %s\n", "Created", "Order", "Status", "Files", "Bytes", "SHA-256")
		for _, e := range exports {
			fmt.Printf("  %-20s %-20s %-10s %6d %10d  %s\n",
				e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.OrderID, e.Status, e.FileCount, e.ArchiveSize, e.ArchiveSHA256)
		}
	}

	fmt.Println()
	fmt.Println("Verifications")
	if len(verifications) == 0 {
		fmt.Println("  none")
	} else {
		fmt.Printf("  %-20s %-20s %-6s %10s  %s\n", "Checked", "Order", "Result", "Mismatches", "Audit")
		for _, v := range verifications {
			result := "PASS"
			if !v.OverallOK {
				result = "FAIL"
			}
			fmt.Printf("  %-20s %-20s %-6s %10d  %s\n",
				v.CheckedAt.UTC().Format("2006-01-02 15:04:05"), v.OrderID, result, v.MismatchCount, v.AuditKey)
		}
	}

	return nil
}
