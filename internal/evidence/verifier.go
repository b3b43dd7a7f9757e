package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/evidence/internal/blobstore"
	"github.com/BadgerOps/evidence/internal/ledger"
	"github.com/BadgerOps/evidence/internal/store"
)

// FileStatus is the verification outcome for one manifest entry.
type FileStatus string

const (
	StatusPass         FileStatus = "pass"
	StatusFail         FileStatus = "fail"
	StatusMissing      FileStatus = "missing"
	StatusInconclusive FileStatus = "inconclusive"
	StatusError        FileStatus = "error"
)

// Reasons recorded on non-passing results.
const (
	ReasonDigestMismatch = "digest mismatch"
	ReasonMissingInStore = "missing in store"
	ReasonNotVerifiable  = "not independently verifiable"
	ReasonNoDigest       = "no recorded digest"
	ReasonNoSource       = "no source recorded"
)

// hard reports whether the status counts against the overall result.
func (st FileStatus) hard() bool {
	return st == StatusFail || st == StatusMissing || st == StatusError
}

// FileResult is the per-file verification detail.
type FileResult struct {
	File           string            `json:"file"`
	Kind           ledger.SourceKind `json:"kind,omitempty"`
	Status         FileStatus        `json:"status"`
	ExpectedDigest *string           `json:"expected_digest"`
	ActualDigest   *string           `json:"actual_digest"`
	Reason         string            `json:"reason,omitempty"`
}

// Mismatch is a hard verification failure.
type Mismatch struct {
	File           string  `json:"file"`
	ExpectedDigest *string `json:"expected_digest"`
	ActualDigest   *string `json:"actual_digest"`
	Reason         string  `json:"reason"`
}

// Audit is the immutable record of one verification run.
type Audit struct {
	OrderID           string       `json:"order_id"`
	ExportID          string       `json:"export_id,omitempty"`
	CheckedAt         time.Time    `json:"checked_at"`
	SourceManifestKey string       `json:"source_manifest_key"`
	OverallOK         bool         `json:"overall_ok"`
	Mismatches        []Mismatch   `json:"mismatches"`
	PerFileResults    []FileResult `json:"per_file_results"`
	AuditKey          string       `json:"audit_key,omitempty"`
}

// Verify re-derives every file listed in the order's latest manifest and
// compares digests. It fails only when the order id is missing or no
// manifest can be found; everything else is reported in the audit.
func (s *Service) Verify(ctx context.Context, orderID string) (*Audit, error) {
	id, err := normalizeOrderID(orderID)
	if err != nil {
		return nil, err
	}

	manifest, manifestKey, err := s.findManifest(ctx, id)
	if err != nil {
		return nil, err
	}

	audit := &Audit{
		OrderID:           id,
		ExportID:          manifest.ExportID,
		CheckedAt:         s.now().UTC(),
		SourceManifestKey: manifestKey,
		Mismatches:        []Mismatch{},
		PerFileResults:    make([]FileResult, 0, len(manifest.Files)),
	}

	for _, name := range manifest.Files {
		res := s.verifyFile(ctx, manifest, name)
		audit.PerFileResults = append(audit.PerFileResults, res)
		if res.Status.hard() {
			audit.Mismatches = append(audit.Mismatches, Mismatch{
				File:           res.File,
				ExpectedDigest: res.ExpectedDigest,
				ActualDigest:   res.ActualDigest,
				Reason:         res.Reason,
			})
		}
	}
	audit.OverallOK = len(audit.Mismatches) == 0

	s.persistAudit(ctx, audit)

	s.logger.Info("verification completed",
		"order_id", id,
		"manifest_key", manifestKey,
		"overall_ok", audit.OverallOK,
		"mismatches", len(audit.Mismatches),
		"audit_key", audit.AuditKey,
	)
	return audit, nil
}

// findManifest probes the timestamped manifests first (newest wins), then the
// fixed-key conventions.
func (s *Service) findManifest(ctx context.Context, orderID string) (*ledger.Manifest, string, error) {
	var candidates []string

	objects, err := s.blobs.List(ctx, s.manifestDir(orderID))
	if err != nil {
		s.logger.Warn("listing manifests failed", "order_id", orderID, "error", err)
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	candidates = append(candidates, keys...)
	candidates = append(candidates, s.manifestCandidates(orderID)...)

	for _, key := range candidates {
		data, err := s.blobs.Get(ctx, key)
		if errors.Is(err, blobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("reading manifest failed", "key", key, "error", err)
			continue
		}
		m, err := ledger.DecodeManifest(data)
		if err != nil {
			return nil, "", ErrManifestNotFound.WithMessagef("manifest %s is unreadable: %v", key, err)
		}
		if m.OrderID != "" && m.OrderID != orderID {
			return nil, "", ErrManifestNotFound.WithMessagef("manifest %s belongs to order %s", key, m.OrderID)
		}
		return m, key, nil
	}

	return nil, "", ErrManifestNotFound.WithMessagef("no manifest stored for order %s", orderID)
}

func (s *Service) verifyFile(ctx context.Context, m *ledger.Manifest, name string) FileResult {
	res := FileResult{File: name, ExpectedDigest: m.SHA256[name]}

	if res.ExpectedDigest != nil {
		if err := ledger.ValidDigest(*res.ExpectedDigest); err != nil {
			res.Status = StatusError
			res.Reason = err.Error()
			return res
		}
	}

	src, ok := m.Sources[name]
	if !ok {
		res.Status = StatusInconclusive
		res.Reason = ReasonNoSource
		return res
	}
	res.Kind = src.Kind

	var data []byte
	switch src.Kind {
	case ledger.SourceGenerated:
		res.Status = StatusInconclusive
		res.Reason = ReasonNotVerifiable
		return res

	case ledger.SourceBlob:
		b, err := s.blobs.Get(ctx, src.Key)
		if errors.Is(err, blobstore.ErrNotFound) {
			res.Status = StatusMissing
			res.Reason = ReasonMissingInStore
			return res
		}
		if err != nil {
			res.Status = StatusError
			res.Reason = fmt.Sprintf("fetching %s: %v", src.Key, err)
			return res
		}
		data = b

	case ledger.SourceRecord:
		b, _, err := renderRecords(ctx, s.records, src)
		if err != nil {
			res.Status = StatusError
			res.Reason = err.Error()
			return res
		}
		data = b

	default:
		res.Status = StatusError
		res.Reason = fmt.Sprintf("unknown source kind %q", src.Kind)
		return res
	}

	actual := ledger.Digest(data)
	res.ActualDigest = &actual

	switch {
	case res.ExpectedDigest == nil:
		res.Status = StatusInconclusive
		res.Reason = ReasonNoDigest
	case *res.ExpectedDigest == actual:
		res.Status = StatusPass
	default:
		res.Status = StatusFail
		res.Reason = ReasonDigestMismatch
	}
	return res
}

// persistAudit writes the audit under a fresh timestamped key with
// create-exclusive semantics. A failed write is logged; the audit is still
// returned to the caller without an AuditKey.
func (s *Service) persistAudit(ctx context.Context, audit *Audit) {
	key := s.auditKey(audit.OrderID, uuid.NewString(), audit.CheckedAt)
	audit.AuditKey = key

	data, err := json.MarshalIndent(audit, "", "  ")
	if err != nil {
		audit.AuditKey = ""
		s.logger.Error("encoding audit failed", "order_id", audit.OrderID, "error", err)
		return
	}

	if err := s.blobs.Create(ctx, key, data, "application/json"); err != nil {
		audit.AuditKey = ""
		s.logger.Error("persisting audit failed", "order_id", audit.OrderID, "key", key, "error", err)
		return
	}

	if s.history == nil {
		return
	}
	rec := &store.VerificationRecord{
		OrderID:       audit.OrderID,
		AuditKey:      key,
		ManifestKey:   audit.SourceManifestKey,
		OverallOK:     audit.OverallOK,
		MismatchCount: len(audit.Mismatches),
		CheckedAt:     audit.CheckedAt,
	}
	if err := s.history.CreateVerificationRecord(rec); err != nil {
		s.logger.Warn("failed to record verification history", "order_id", audit.OrderID, "error", err)
	}
}
