package evidence

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/BadgerOps/evidence/internal/ledger"
	"github.com/BadgerOps/evidence/internal/store"
)

const (
	recordDir = "D1"
	blobDir   = "R2"

	formatJSON = "json"
	formatCSV  = "csv"

	primaryCategory = "orders"
)

// recordCategory is one structured-record query. Column lists are explicit
// and rows are ordered by id so re-running the query yields the same bytes.
type recordCategory struct {
	name  string
	query string
	// joinColumn is the primary-row column holding this category's lookup
	// value; empty means the category is looked up by order id.
	joinColumn string
}

var recordCategories = []recordCategory{
	{
		name: primaryCategory,
		query: `SELECT order_id, customer_email, customer_name, plan, amount_cents, currency,
			status, checkout_session, payment_intent_id, created_at
			FROM orders WHERE order_id = ? ORDER BY id`,
	},
	{
		name: "acceptances",
		query: `SELECT order_id, terms_version, accepted_at, ip_address, user_agent
			FROM acceptances WHERE order_id = ? ORDER BY id`,
	},
	{
		name: "email_logs",
		query: `SELECT order_id, template, recipient, status, message_id, sent_at
			FROM email_logs WHERE order_id = ? ORDER BY id`,
	},
	{
		name: "payment_events",
		query: `SELECT payment_intent_id, event_id, event_type, amount_cents, created_at
			FROM payment_events WHERE payment_intent_id = ? ORDER BY id`,
		joinColumn: "payment_intent_id",
	},
}

// summaryColumns are the primary-record fields flattened into the CSV summary.
var summaryColumns = []string{
	"order_id", "customer_email", "customer_name", "plan",
	"amount_cents", "currency", "status", "created_at",
}

func findCategory(name string) (recordCategory, bool) {
	for _, c := range recordCategories {
		if c.name == name {
			return c, true
		}
	}
	return recordCategory{}, false
}

func recordFileName(category, format string) string {
	if format == formatCSV {
		return recordDir + "/" + category + "-summary.csv"
	}
	return recordDir + "/" + category + ".json"
}

func blobFileName(label, shortName string) string {
	return blobDir + "/" + label + "/" + norm.NFC.String(shortName)
}

// renderRecords runs a category query and serializes the result. Collection
// and verification both go through here, so the bytes only change when the
// underlying rows do.
func renderRecords(ctx context.Context, records RecordStore, src ledger.Source) ([]byte, []store.Row, error) {
	cat, ok := findCategory(src.Category)
	if !ok {
		return nil, nil, fmt.Errorf("unknown record category %q", src.Category)
	}

	rows, err := records.Query(ctx, cat.query, src.Param)
	if err != nil {
		return nil, nil, fmt.Errorf("querying %s: %w", cat.name, err)
	}

	switch src.Format {
	case formatJSON, "":
		data, err := encodeRowsJSON(rows)
		return data, rows, err
	case formatCSV:
		data, err := encodeRowsCSV(rows, summaryColumns)
		return data, rows, err
	default:
		return nil, nil, fmt.Errorf("unknown record format %q", src.Format)
	}
}

func encodeRowsJSON(rows []store.Row) ([]byte, error) {
	if rows == nil {
		rows = []store.Row{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding rows: %w", err)
	}
	return append(data, '\n'), nil
}

func encodeRowsCSV(rows []store.Row, columns []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			v, _ := row.Get(col)
			record[i] = csvValue(v)
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

func csvValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// shortName strips the listing prefix from a blob key.
func shortName(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}
