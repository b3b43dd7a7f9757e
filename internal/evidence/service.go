// Package evidence builds per-order evidence bundles and verifies them later
// against the persisted manifest.
package evidence

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/BadgerOps/evidence/internal/blobstore"
	"github.com/BadgerOps/evidence/internal/render"
	"github.com/BadgerOps/evidence/internal/store"
)

// RecordStore is the structured-record collaborator.
type RecordStore interface {
	Query(ctx context.Context, query string, args ...any) ([]store.Row, error)
}

// HistoryStore records completed exports and verifications. Optional.
type HistoryStore interface {
	CreateExportRecord(r *store.ExportRecord) error
	CreateVerificationRecord(r *store.VerificationRecord) error
}

// BlobPrefix is a blob-store location collected into every bundle: objects
// under "<Prefix>/<order_id>/" land in the archive as "R2/<Label>/<short-name>".
type BlobPrefix struct {
	Label  string
	Prefix string
}

// Options configures a Service.
type Options struct {
	ManifestPrefix string
	AuditPrefix    string
	BlobPrefixes   []BlobPrefix
	Page           render.PageFormat
	VerifyWorkers  int
}

// DefaultOptions mirrors the shipped configuration.
func DefaultOptions() Options {
	return Options{
		ManifestPrefix: "evidence",
		AuditPrefix:    "audits",
		BlobPrefixes: []BlobPrefix{
			{Label: "verification", Prefix: "verification"},
			{Label: "email_attempts", Prefix: "email_attempts"},
		},
		Page:          render.PageFormat{Size: "A4", PrintBackground: true, MarginMM: 12},
		VerifyWorkers: 4,
	}
}

// Service exports and verifies evidence bundles.
type Service struct {
	records  RecordStore
	history  HistoryStore
	blobs    blobstore.Store
	renderer render.Renderer
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceOption configures optional Service collaborators.
type ServiceOption func(*Service)

// WithHistory records every export and verification in h.
func WithHistory(h HistoryStore) ServiceOption {
	return func(s *Service) { s.history = h }
}

// WithRenderer sets the HTML-to-PDF renderer.
func WithRenderer(r render.Renderer) ServiceOption {
	return func(s *Service) { s.renderer = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source used for timestamps and keys.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the engine to its collaborators.
func NewService(records RecordStore, blobs blobstore.Store, opts Options, svcOpts ...ServiceOption) *Service {
	s := &Service{
		records:  records,
		blobs:    blobs,
		renderer: render.Disabled{},
		opts:     opts,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range svcOpts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.renderer == nil {
		s.renderer = render.Disabled{}
	}
	if s.opts.ManifestPrefix == "" {
		s.opts.ManifestPrefix = "evidence"
	}
	if s.opts.AuditPrefix == "" {
		s.opts.AuditPrefix = "audits"
	}
	if s.opts.VerifyWorkers <= 0 {
		s.opts.VerifyWorkers = 1
	}
	return s
}

// keyTimestamp sorts lexicographically in time order.
const keyTimestamp = "20060102T150405.000000000Z"

func (s *Service) manifestDir(orderID string) string {
	return path.Join(s.opts.ManifestPrefix, orderID, "manifests") + "/"
}

func (s *Service) manifestKey(orderID, exportID string, at time.Time) string {
	return s.manifestDir(orderID) + at.UTC().Format(keyTimestamp) + "-" + exportID + ".json"
}

// manifestCandidates are the fixed-key locations probed after the
// timestamped manifests, newest convention first.
func (s *Service) manifestCandidates(orderID string) []string {
	return []string{
		path.Join(s.opts.ManifestPrefix, orderID, "index.json"),
		path.Join("exports", orderID, "index.json"),
	}
}

func (s *Service) auditKey(orderID, suffix string, at time.Time) string {
	return path.Join(s.opts.AuditPrefix, orderID, at.UTC().Format(keyTimestamp)+"-"+suffix+".json")
}

func normalizeOrderID(orderID string) (string, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return "", ErrSubjectRequired.WithMessage("an order id is required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return "", ErrSubjectRequired.WithMessagef("order id %q is not a valid identifier", orderID)
	}
	return id, nil
}
