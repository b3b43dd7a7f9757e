package store

import "time"

// Order is the primary record for one customer transaction.
type Order struct {
	ID              int64
	OrderID         string // public identifier, e.g. "TB-ABC1234"
	CustomerEmail   string
	CustomerName    string
	Plan            string
	AmountCents     int64
	Currency        string
	Status          string // "pending", "paid", "refunded", "disputed"
	CheckoutSession string
	PaymentIntentID string // secondary identifier joining payment_events
	CreatedAt       time.Time
}

// Acceptance records the legal terms a customer accepted at checkout.
type Acceptance struct {
	ID           int64
	OrderID      string
	TermsVersion string
	AcceptedAt   time.Time
	IPAddress    string
	UserAgent    string
}

// EmailLog records one transactional email sent for an order.
type EmailLog struct {
	ID        int64
	OrderID   string
	Template  string
	Recipient string
	Status    string // "sent", "bounced", "failed"
	MessageID string
	SentAt    time.Time
}

// PaymentEvent is a payment-processor webhook event for a payment intent.
type PaymentEvent struct {
	ID              int64
	PaymentIntentID string
	EventID         string
	EventType       string
	AmountCents     int64
	CreatedAt       time.Time
}

// ExportRecord is the history entry written after each evidence export.
type ExportRecord struct {
	ID            int64
	OrderID       string
	ExportID      string
	ManifestKey   string
	FileCount     int
	ArchiveSize   int64
	ArchiveSHA256 string
	Status        string // "completed", "failed"
	ErrorMessage  string
	CreatedAt     time.Time
}

// VerificationRecord is the history entry written after each verification run.
type VerificationRecord struct {
	ID            int64
	OrderID       string
	AuditKey      string
	ManifestKey   string
	OverallOK     bool
	MismatchCount int
	CheckedAt     time.Time
}
