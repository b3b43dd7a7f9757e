package evidence

import (
	"context"
	"time"

	"github.com/BadgerOps/evidence/internal/ledger"
	"github.com/BadgerOps/evidence/internal/store"
	"github.com/BadgerOps/evidence/internal/ziparchive"
)

// ExportResult is a finished evidence archive.
type ExportResult struct {
	OrderID     string
	ExportID    string
	ManifestKey string
	FileName    string
	Archive     []byte
	SHA256      string
	FileCount   int
}

// ArchiveName is the download filename for an order's bundle.
func ArchiveName(orderID string) string {
	return "evidence-" + orderID + ".zip"
}

// Export collects an order's evidence and serializes it to a stored ZIP.
func (s *Service) Export(ctx context.Context, orderID string) (*ExportResult, error) {
	start := time.Now()

	bundle, err := s.Collect(ctx, orderID)
	if err != nil {
		return nil, err
	}

	archive, err := ziparchive.Build(bundle.Files)
	if err != nil {
		s.recordExport(&store.ExportRecord{
			OrderID:      bundle.OrderID,
			ExportID:     bundle.ExportID,
			ManifestKey:  bundle.ManifestKey,
			FileCount:    len(bundle.Files),
			Status:       "failed",
			ErrorMessage: err.Error(),
		})
		return nil, ErrArchiveFailed.WithMessagef("building archive for %s: %v", bundle.OrderID, err)
	}

	res := &ExportResult{
		OrderID:     bundle.OrderID,
		ExportID:    bundle.ExportID,
		ManifestKey: bundle.ManifestKey,
		FileName:    ArchiveName(bundle.OrderID),
		Archive:     archive,
		SHA256:      ledger.Digest(archive),
		FileCount:   len(bundle.Files),
	}

	s.recordExport(&store.ExportRecord{
		OrderID:       res.OrderID,
		ExportID:      res.ExportID,
		ManifestKey:   res.ManifestKey,
		FileCount:     res.FileCount,
		ArchiveSize:   int64(len(archive)),
		ArchiveSHA256: res.SHA256,
		Status:        "completed",
	})

	s.logger.Info("export completed",
		"order_id", res.OrderID,
		"export_id", res.ExportID,
		"files", res.FileCount,
		"bytes", len(archive),
		"sha256", res.SHA256,
		"duration", time.Since(start),
	)
	return res, nil
}

func (s *Service) recordExport(r *store.ExportRecord) {
	if s.history == nil {
		return
	}
	r.CreatedAt = s.now().UTC()
	if err := s.history.CreateExportRecord(r); err != nil {
		s.logger.Warn("failed to record export history", "order_id", r.OrderID, "error", err)
	}
}
