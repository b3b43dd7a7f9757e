package evidence_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/evidence/internal/blobstore"
	"github.com/BadgerOps/evidence/internal/evidence"
	"github.com/BadgerOps/evidence/internal/render"
	"github.com/BadgerOps/evidence/internal/store"
)

type fixture struct {
	records *store.Store
	blobs   *blobstore.Memory
	svc     *evidence.Service
}

// steppingClock advances one millisecond per reading so successive exports
// and audits get distinct, ordered keys.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...evidence.ServiceOption) *fixture {
	t.Helper()
	records, err := store.New(":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	blobs := blobstore.NewMemory()
	base := []evidence.ServiceOption{
		evidence.WithHistory(records),
		evidence.WithLogger(quietLogger()),
		evidence.WithClock(steppingClock()),
	}
	svc := evidence.NewService(records, blobs, evidence.DefaultOptions(), append(base, opts...)...)
	return &fixture{records: records, blobs: blobs, svc: svc}
}

func (f *fixture) seedOrder(t *testing.T, orderID string) {
	t.Helper()
	require.NoError(t, f.records.CreateOrder(&store.Order{
		OrderID:         orderID,
		CustomerEmail:   "jane@example.com",
		CustomerName:    `Jane, "JJ" Doe`,
		Plan:            "annual",
		AmountCents:     12900,
		Currency:        "usd",
		Status:          "paid",
		CheckoutSession: "cs_test_" + orderID,
		PaymentIntentID: "pi_" + orderID,
		CreatedAt:       time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
	}))
}

func (f *fixture) putBlob(t *testing.T, key, body string) {
	t.Helper()
	require.NoError(t, f.blobs.Put(context.Background(), key, []byte(body), "application/octet-stream"))
}

// failingRecords fails every query that touches the named table.
type failingRecords struct {
	evidence.RecordStore
	table string
}

func (r failingRecords) Query(ctx context.Context, query string, args ...any) ([]store.Row, error) {
	if strings.Contains(query, "FROM "+r.table) {
		return nil, errors.New("database is locked")
	}
	return r.RecordStore.Query(ctx, query, args...)
}

type stubRenderer struct {
	pdf []byte
}

func (s stubRenderer) Render(context.Context, string, render.PageFormat) ([]byte, error) {
	return s.pdf, nil
}
