package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Ad hoc read queries
// ============================================================================

// Query runs a read-only statement and returns every row as an ordered
// column -> value mapping. Only SELECT and WITH statements are accepted.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	head := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
		return nil, fmt.Errorf("only read queries are allowed")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// ============================================================================
// Order record operations
// ============================================================================

// CreateOrder inserts a new Order and sets its ID
func (s *Store) CreateOrder(o *Order) error {
	const query = `
		INSERT INTO orders (
			order_id, customer_email, customer_name, plan, amount_cents, currency,
			status, checkout_session, payment_intent_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		o.OrderID, o.CustomerEmail, o.CustomerName, o.Plan, o.AmountCents, o.Currency,
		o.Status, o.CheckoutSession, o.PaymentIntentID, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	o.ID = id
	return nil
}

// GetOrder retrieves an Order by its public order id
func (s *Store) GetOrder(orderID string) (*Order, error) {
	const query = `
		SELECT id, order_id, customer_email, customer_name, plan, amount_cents, currency,
		       status, checkout_session, payment_intent_id, created_at
		FROM orders WHERE order_id = ?
	`

	o := &Order{}
	var name, plan, currency, status, session, intent sql.NullString
	err := s.db.QueryRow(query, orderID).Scan(
		&o.ID, &o.OrderID, &o.CustomerEmail, &name, &plan, &o.AmountCents, &currency,
		&status, &session, &intent, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	o.CustomerName = name.String
	o.Plan = plan.String
	o.Currency = currency.String
	o.Status = status.String
	o.CheckoutSession = session.String
	o.PaymentIntentID = intent.String

	return o, nil
}

// ListOrderIDs returns public order ids, newest first
func (s *Store) ListOrderIDs(limit int) ([]string, error) {
	query := "SELECT order_id FROM orders ORDER BY created_at DESC, id DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order ids: %w", err)
	}

	return ids, nil
}

// CreateAcceptance inserts a terms-acceptance record
func (s *Store) CreateAcceptance(a *Acceptance) error {
	const query = `
		INSERT INTO acceptances (order_id, terms_version, accepted_at, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, a.OrderID, a.TermsVersion, a.AcceptedAt.UTC(), a.IPAddress, a.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to insert acceptance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	a.ID = id
	return nil
}

// CreateEmailLog inserts a transactional email record
func (s *Store) CreateEmailLog(e *EmailLog) error {
	const query = `
		INSERT INTO email_logs (order_id, template, recipient, status, message_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, e.OrderID, e.Template, e.Recipient, e.Status, e.MessageID, e.SentAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert email log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	e.ID = id
	return nil
}

// CreatePaymentEvent inserts a payment-processor event
func (s *Store) CreatePaymentEvent(p *PaymentEvent) error {
	const query = `
		INSERT INTO payment_events (payment_intent_id, event_id, event_type, amount_cents, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, p.PaymentIntentID, p.EventID, p.EventType, p.AmountCents, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert payment event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	p.ID = id
	return nil
}

// UpdateOrderStatus changes an order's status
func (s *Store) UpdateOrderStatus(orderID, status string) error {
	result, err := s.db.Exec("UPDATE orders SET status = ? WHERE order_id = ?", status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}

	return nil
}

// ============================================================================
// Evidence history operations
// ============================================================================

// CreateExportRecord inserts an export history entry
func (s *Store) CreateExportRecord(r *ExportRecord) error {
	const query = `
		INSERT INTO evidence_exports (
			order_id, export_id, manifest_key, file_count, archive_size,
			archive_sha256, status, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	result, err := s.db.Exec(
		query,
		r.OrderID, r.ExportID, r.ManifestKey, r.FileCount, r.ArchiveSize,
		r.ArchiveSHA256, r.Status, r.ErrorMessage, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert export record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	r.ID = id
	return nil
}

// ListExportRecords retrieves export history, optionally filtered by order
func (s *Store) ListExportRecords(orderID string, limit int) ([]ExportRecord, error) {
	query := `
		SELECT id, order_id, export_id, manifest_key, file_count, archive_size,
		       archive_sha256, status, error_message, created_at
		FROM evidence_exports
	`
	var args []interface{}

	if orderID != "" {
		query += " WHERE order_id = ?"
		args = append(args, orderID)
	}

	query += " ORDER BY created_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query export records: %w", err)
	}
	defer rows.Close()

	var records []ExportRecord
	for rows.Next() {
		r := ExportRecord{}
		var manifestKey, sha, errMsg sql.NullString
		err := rows.Scan(
			&r.ID, &r.OrderID, &r.ExportID, &manifestKey, &r.FileCount, &r.ArchiveSize,
			&sha, &r.Status, &errMsg, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export record: %w", err)
		}
		r.ManifestKey = manifestKey.String
		r.ArchiveSHA256 = sha.String
		r.ErrorMessage = errMsg.String
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating export records: %w", err)
	}

	return records, nil
}

// CreateVerificationRecord inserts a verification history entry
func (s *Store) CreateVerificationRecord(r *VerificationRecord) error {
	const query = `
		INSERT INTO evidence_verifications (
			order_id, audit_key, manifest_key, overall_ok, mismatch_count, checked_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		r.OrderID, r.AuditKey, r.ManifestKey, r.OverallOK, r.MismatchCount, r.CheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert verification record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	r.ID = id
	return nil
}

// ListVerificationRecords retrieves verification history, optionally filtered by order
func (s *Store) ListVerificationRecords(orderID string, limit int) ([]VerificationRecord, error) {
	query := `
		SELECT id, order_id, audit_key, manifest_key, overall_ok, mismatch_count, checked_at
		FROM evidence_verifications
	`
	var args []interface{}

	if orderID != "" {
		query += " WHERE order_id = ?"
		args = append(args, orderID)
	}

	query += " ORDER BY checked_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification records: %w", err)
	}
	defer rows.Close()

	var records []VerificationRecord
	for rows.Next() {
		r := VerificationRecord{}
		var manifestKey sql.NullString
		err := rows.Scan(
			&r.ID, &r.OrderID, &r.AuditKey, &manifestKey, &r.OverallOK, &r.MismatchCount, &r.CheckedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification record: %w", err)
		}
		r.ManifestKey = manifestKey.String
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verification records: %w", err)
	}

	return records, nil
}
