package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedOrder(t *testing.T, s *Store, orderID string) *Order {
	t.Helper()
	o := &Order{
		OrderID:         orderID,
		CustomerEmail:   "jane@example.com",
		CustomerName:    "Jane, \"JJ\" Doe",
		Plan:            "annual",
		AmountCents:     12900,
		Currency:        "usd",
		Status:          "paid",
		CheckoutSession: "cs_test_1",
		PaymentIntentID: "pi_" + orderID,
		CreatedAt:       time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
	}
	if err := s.CreateOrder(o); err != nil {
		t.Fatalf("CreateOrder() failed: %v", err)
	}
	return o
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestNewFileBackedReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "evidence.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	seedOrder(t, s, "TB-REOPEN1")
	s.Close()

	// Reopening must not re-run migrations or lose data.
	s2, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("New() on existing db failed: %v", err)
	}
	defer s2.Close()

	o, err := s2.GetOrder("TB-REOPEN1")
	if err != nil {
		t.Fatalf("GetOrder() failed: %v", err)
	}
	if o.PaymentIntentID != "pi_TB-REOPEN1" {
		t.Errorf("PaymentIntentID = %q, want pi_TB-REOPEN1", o.PaymentIntentID)
	}
}

// ============================================================================
// Order Record Tests
// ============================================================================

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestStore(t)
	o := seedOrder(t, s, "TB-ABC1234")

	if o.ID == 0 {
		t.Fatal("Expected ID to be set after CreateOrder")
	}

	got, err := s.GetOrder("TB-ABC1234")
	if err != nil {
		t.Fatalf("GetOrder() failed: %v", err)
	}
	if got.CustomerEmail != o.CustomerEmail || got.AmountCents != o.AmountCents {
		t.Errorf("GetOrder() = %+v, want %+v", got, o)
	}
	if !got.CreatedAt.Equal(o.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, o.CreatedAt)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrder("TB-NOPE")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateOrderRejected(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "TB-DUP")
	err := s.CreateOrder(&Order{OrderID: "TB-DUP", CustomerEmail: "x@example.com", CreatedAt: time.Now()})
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestListOrderIDs(t *testing.T) {
	s := newTestStore(t)
	for i, id := range []string{"TB-1", "TB-2", "TB-3"} {
		o := &Order{
			OrderID:       id,
			CustomerEmail: "c@example.com",
			CreatedAt:     time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC),
		}
		if err := s.CreateOrder(o); err != nil {
			t.Fatalf("CreateOrder() failed: %v", err)
		}
	}

	ids, err := s.ListOrderIDs(0)
	if err != nil {
		t.Fatalf("ListOrderIDs() failed: %v", err)
	}
	want := []string{"TB-3", "TB-2", "TB-1"}
	if len(ids) != len(want) {
		t.Fatalf("got %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	limited, err := s.ListOrderIDs(2)
	if err != nil {
		t.Fatalf("ListOrderIDs(2) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d ids, want 2", len(limited))
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "TB-STAT")

	if err := s.UpdateOrderStatus("TB-STAT", "disputed"); err != nil {
		t.Fatalf("UpdateOrderStatus() failed: %v", err)
	}
	o, _ := s.GetOrder("TB-STAT")
	if o.Status != "disputed" {
		t.Errorf("Status = %q, want disputed", o.Status)
	}
	if err := s.UpdateOrderStatus("TB-MISSING", "paid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// Ad hoc Query Tests
// ============================================================================

func TestQueryKeepsColumnOrder(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "TB-Q1")

	rows, err := s.Query(context.Background(),
		"SELECT order_id, plan, amount_cents, customer_name FROM orders WHERE order_id = ?", "TB-Q1")
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `[{"order_id":"TB-Q1","plan":"annual","amount_cents":12900,"customer_name":"Jane, \"JJ\" Doe"}]`
	if string(data) != want {
		t.Errorf("json = %s\nwant  %s", data, want)
	}

	// Identical queries must serialize identically.
	again, _ := s.Query(context.Background(),
		"SELECT order_id, plan, amount_cents, customer_name FROM orders WHERE order_id = ?", "TB-Q1")
	data2, _ := json.Marshal(again)
	if string(data) != string(data2) {
		t.Error("repeated query serialized differently")
	}

	if got := rows[0].String("plan"); got != "annual" {
		t.Errorf("String(plan) = %q, want annual", got)
	}
	if _, ok := rows[0].Get("missing"); ok {
		t.Error("Get(missing) reported ok")
	}
}

func TestQueryEmptyResultIsEmptySlice(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.Query(context.Background(), "SELECT * FROM acceptances WHERE order_id = ?", "none")
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	data, _ := json.Marshal(rows)
	if string(data) != "[]" {
		t.Errorf("json = %s, want []", data)
	}
}

func TestQueryRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Query(context.Background(), "DELETE FROM orders"); err == nil {
		t.Fatal("expected write statement to be rejected")
	}
}

func TestChildRecords(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "TB-KIDS")
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := s.CreateAcceptance(&Acceptance{OrderID: "TB-KIDS", TermsVersion: "2026-01", AcceptedAt: now, IPAddress: "203.0.113.9"}); err != nil {
		t.Fatalf("CreateAcceptance() failed: %v", err)
	}
	if err := s.CreateEmailLog(&EmailLog{OrderID: "TB-KIDS", Template: "receipt", Recipient: "jane@example.com", Status: "sent", SentAt: now}); err != nil {
		t.Fatalf("CreateEmailLog() failed: %v", err)
	}
	if err := s.CreatePaymentEvent(&PaymentEvent{PaymentIntentID: "pi_TB-KIDS", EventID: "evt_1", EventType: "payment_intent.succeeded", AmountCents: 12900, CreatedAt: now}); err != nil {
		t.Fatalf("CreatePaymentEvent() failed: %v", err)
	}

	ctx := context.Background()
	for table, q := range map[string]string{
		"acceptances":    "SELECT id FROM acceptances WHERE order_id = ?",
		"email_logs":     "SELECT id FROM email_logs WHERE order_id = ?",
		"payment_events": "SELECT id FROM payment_events WHERE payment_intent_id = 'pi_' || ?",
	} {
		rows, err := s.Query(ctx, q, "TB-KIDS")
		if err != nil {
			t.Fatalf("%s: Query() failed: %v", table, err)
		}
		if len(rows) != 1 {
			t.Errorf("%s: got %d rows, want 1", table, len(rows))
		}
	}
}

// ============================================================================
// Evidence History Tests
// ============================================================================

func TestExportRecords(t *testing.T) {
	s := newTestStore(t)

	for i, id := range []string{"exp-1", "exp-2"} {
		r := &ExportRecord{
			OrderID:       "TB-H1",
			ExportID:      id,
			ManifestKey:   "evidence/TB-H1/manifests/" + id + ".json",
			FileCount:     5 + i,
			ArchiveSize:   1024,
			ArchiveSHA256: "abc",
			Status:        "completed",
			CreatedAt:     time.Date(2026, 3, 1, i, 0, 0, 0, time.UTC),
		}
		if err := s.CreateExportRecord(r); err != nil {
			t.Fatalf("CreateExportRecord() failed: %v", err)
		}
		if r.ID == 0 {
			t.Error("Expected ID to be set")
		}
	}
	if err := s.CreateExportRecord(&ExportRecord{OrderID: "TB-H2", ExportID: "exp-3", Status: "failed", ErrorMessage: "boom"}); err != nil {
		t.Fatalf("CreateExportRecord() failed: %v", err)
	}

	recs, err := s.ListExportRecords("TB-H1", 0)
	if err != nil {
		t.Fatalf("ListExportRecords() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ExportID != "exp-2" {
		t.Errorf("newest record = %q, want exp-2", recs[0].ExportID)
	}

	all, _ := s.ListExportRecords("", 10)
	if len(all) != 3 {
		t.Errorf("got %d records, want 3", len(all))
	}
}

func TestVerificationRecords(t *testing.T) {
	s := newTestStore(t)

	rec := &VerificationRecord{
		OrderID:       "TB-V1",
		AuditKey:      "audits/TB-V1/20260301T000000Z-x.json",
		ManifestKey:   "evidence/TB-V1/manifests/a.json",
		OverallOK:     false,
		MismatchCount: 2,
		CheckedAt:     time.Now(),
	}
	if err := s.CreateVerificationRecord(rec); err != nil {
		t.Fatalf("CreateVerificationRecord() failed: %v", err)
	}

	recs, err := s.ListVerificationRecords("TB-V1", 5)
	if err != nil {
		t.Fatalf("ListVerificationRecords() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].OverallOK || recs[0].MismatchCount != 2 {
		t.Errorf("record = %+v", recs[0])
	}

	// Audit keys are unique: a second run can never overwrite the first.
	if err := s.CreateVerificationRecord(rec); err == nil {
		t.Error("expected duplicate audit key to be rejected")
	}
}
