package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/evidence/internal/blobstore"
	"github.com/BadgerOps/evidence/internal/store"
)

var seedFile string

// seedData is the layout of a seed file. Timestamps are RFC 3339.
type seedData struct {
	Orders []seedOrder `yaml:"orders"`
}

type seedOrder struct {
	OrderID         string    `yaml:"order_id"`
	CustomerEmail   string    `yaml:"customer_email"`
	CustomerName    string    `yaml:"customer_name"`
	Plan            string    `yaml:"plan"`
	AmountCents     int64     `yaml:"amount_cents"`
	Currency        string    `yaml:"currency"`
	Status          string    `yaml:"status"`
	CheckoutSession string    `yaml:"checkout_session"`
	PaymentIntentID string    `yaml:"payment_intent_id"`
	CreatedAt       time.Time `yaml:"created_at"`

	Acceptances []struct {
		TermsVersion string    `yaml:"terms_version"`
		AcceptedAt   time.Time `yaml:"accepted_at"`
		IPAddress    string    `yaml:"ip_address"`
		UserAgent    string    `yaml:"user_agent"`
	} `yaml:"acceptances"`

	Emails []struct {
		Template  string    `yaml:"template"`
		Recipient string    `yaml:"recipient"`
		Status    string    `yaml:"status"`
		MessageID string    `yaml:"message_id"`
		SentAt    time.Time `yaml:"sent_at"`
	} `yaml:"emails"`

	PaymentEvents []struct {
		EventID     string    `yaml:"event_id"`
		EventType   string    `yaml:"event_type"`
		AmountCents int64     `yaml:"amount_cents"`
		CreatedAt   time.Time `yaml:"created_at"`
	} `yaml:"payment_events"`

	Blobs []struct {
		Key         string `yaml:"key"`
		Content     string `yaml:"content"`
		ContentType string `yaml:"content_type"`
	} `yaml:"blobs"`
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load orders, child records and blobs from a YAML file",
		Long: `Seed loads demo or fixture data: each order in the file is inserted with its
acceptances, emails and payment events, and its blobs are written to the blob
store. Useful for local testing of export and verification.`,
		Example: `  evidence seed --file testdata/orders.yaml`,
		RunE:    seedRun,
	}

	cmd.Flags().StringVar(&seedFile, "file", "", "seed file (required)")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	return cmd
}

func seedRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil || globalBlobs == nil {
		return fmt.Errorf("components not initialized")
	}

	raw, err := os.ReadFile(seedFile)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	var data seedData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := applySeed(ctx, globalStore, globalBlobs, &data)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("Seeded %d orders from %s\n", n, seedFile)
	}
	return nil
}

func applySeed(ctx context.Context, st *store.Store, blobs blobstore.Store, data *seedData) (int, error) {
	for i, o := range data.Orders {
		if o.OrderID == "" {
			return i, fmt.Errorf("order %d has no order_id", i+1)
		}
		created := o.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}

		order := &store.Order{
			OrderID:         o.OrderID,
			CustomerEmail:   o.CustomerEmail,
			CustomerName:    o.CustomerName,
			Plan:            o.Plan,
			AmountCents:     o.AmountCents,
			Currency:        o.Currency,
			Status:          o.Status,
			CheckoutSession: o.CheckoutSession,
			PaymentIntentID: o.PaymentIntentID,
			CreatedAt:       created,
		}
		if order.Currency == "" {
			order.Currency = "usd"
		}
		if order.Status == "" {
			order.Status = "pending"
		}
		if err := st.CreateOrder(order); err != nil {
			return i, fmt.Errorf("seeding order %s: %w", o.OrderID, err)
		}

		for _, a := range o.Acceptances {
			if err := st.CreateAcceptance(&store.Acceptance{
				OrderID:      o.OrderID,
				TermsVersion: a.TermsVersion,
				AcceptedAt:   a.AcceptedAt,
				IPAddress:    a.IPAddress,
				UserAgent:    a.UserAgent,
			}); err != nil {
				return i, fmt.Errorf("seeding acceptance for %s: %w", o.OrderID, err)
			}
		}
		for _, e := range o.Emails {
			if err := st.CreateEmailLog(&store.EmailLog{
				OrderID:   o.OrderID,
				Template:  e.Template,
				Recipient: e.Recipient,
				Status:    e.Status,
				MessageID: e.MessageID,
				SentAt:    e.SentAt,
			}); err != nil {
				return i, fmt.Errorf("seeding email for %s: %w", o.OrderID, err)
			}
		}
		for _, p := range o.PaymentEvents {
			if o.PaymentIntentID == "" {
				return i, fmt.Errorf("order %s has payment events but no payment_intent_id", o.OrderID)
			}
			if err := st.CreatePaymentEvent(&store.PaymentEvent{
				PaymentIntentID: o.PaymentIntentID,
				EventID:         p.EventID,
				EventType:       p.EventType,
				AmountCents:     p.AmountCents,
				CreatedAt:       p.CreatedAt,
			}); err != nil {
				return i, fmt.Errorf("seeding payment event for %s: %w", o.OrderID, err)
			}
		}
		for _, b := range o.Blobs {
			ct := b.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			if err := blobs.Put(ctx, b.Key, []byte(b.Content), ct); err != nil {
				return i, fmt.Errorf("seeding blob %s: %w", b.Key, err)
			}
		}
	}
	return len(data.Orders), nil
}
