package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/evidence/internal/evidence"
)

var (
	exportOrder string
	exportOut   string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an order's evidence bundle to a ZIP file",
		Long: `Export collects every record, stored object and generated report for an
order into a stored (uncompressed) ZIP archive. The archive ends with index.json,
the manifest listing every file with its SHA-256 digest and the chain of custody.

The manifest is also persisted to the blob store so the order can be verified
later without keeping the archive.`,
		Example: `  evidence export --order TB-ABC1234
  evidence export --order TB-ABC1234 --out /tmp/bundle.zip`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportOrder, "order", "", "order id to export (required)")
	cmd.Flags().StringVar(&exportOut, "out", "", "output file (default: evidence-<order>.zip in the current directory)")

	if err := cmd.MarkFlagRequired("order"); err != nil {
		panic(err)
	}

	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalService == nil {
		return fmt.Errorf("evidence service not initialized")
	}

	res, err := globalService.Export(cmd.Context(), exportOrder)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	out := exportOut
	if out == "" {
		out = evidence.ArchiveName(res.OrderID)
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(out, res.Archive, 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}

	// sidecar checksum in sha256sum format
	sidecar := fmt.Sprintf("%s  %s\n", res.SHA256, filepath.Base(out))
	if err := os.WriteFile(out+".sha256", []byte(sidecar), 0o644); err != nil {
		log.Warn("failed to write checksum file", "path", out+".sha256", "error", err)
	}

	if !quiet {
		fmt.Printf("Exported %d files for %s\n", res.FileCount, res.OrderID)
		fmt.Printf("  Archive:  %s (%d bytes)\n", out, len(res.Archive))
		fmt.Printf("  SHA-256:  %s\n", res.SHA256)
		fmt.Printf("  Manifest: %s\n", res.ManifestKey)
	}
	return nil
}
