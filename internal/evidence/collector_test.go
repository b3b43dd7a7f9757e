package evidence_test

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/evidence/internal/blobstore"
	"github.com/BadgerOps/evidence/internal/evidence"
	"github.com/BadgerOps/evidence/internal/ledger"
)

func fileNames(b *evidence.Bundle) []string {
	names := make([]string, len(b.Files))
	for i, f := range b.Files {
		names[i] = f.Name
	}
	return names
}

func actions(entries []ledger.CustodyEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestExport_OrderScenario(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-ABC1234")
	f.putBlob(t, "email_attempts/TB-ABC1234/attempt-1.json", `{"to":"jane@example.com","status":"delivered"}`)
	f.putBlob(t, "email_attempts/TB-ABC1234/attempt-2.eml", "Subject: Your receipt\r\n\r\nThanks!\r\n")
	f.putBlob(t, "email_attempts/TB-ABC12345/other.json", `{}`)

	res, err := f.svc.Export(context.Background(), "TB-ABC1234")
	require.NoError(t, err)
	assert.Equal(t, "evidence-TB-ABC1234.zip", res.FileName)
	assert.Equal(t, ledger.Digest(res.Archive), res.SHA256)

	zr, err := zip.NewReader(bytes.NewReader(res.Archive), int64(len(res.Archive)))
	require.NoError(t, err)

	contents := make(map[string][]byte)
	var names []string
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		names = append(names, zf.Name)
		contents[zf.Name] = data
	}

	for _, want := range []string{
		"D1/orders.json",
		"D1/orders-summary.csv",
		"R2/email_attempts/attempt-1.json",
		"R2/email_attempts/attempt-2.eml",
		"report.html",
		"index.json",
	} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "R2/email_attempts/other.json")
	assert.Equal(t, "index.json", names[len(names)-1])
	assert.Equal(t, len(names), res.FileCount)

	m, err := ledger.DecodeManifest(contents["index.json"])
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	assert.Equal(t, "TB-ABC1234", m.OrderID)
	assert.Len(t, m.Files, len(names)-1)
	assert.Equal(t, names[:len(names)-1], m.Files)
	assert.NotContains(t, m.SHA256, "index.json")

	for _, name := range m.Files {
		sum, ok := m.SHA256[name]
		require.True(t, ok, "digest key for %s", name)
		if m.Sources[name].Kind == ledger.SourceGenerated {
			continue
		}
		require.NotNil(t, sum, "digest for %s", name)
		assert.Equal(t, ledger.Digest(contents[name]), *sum, name)
	}

	// the persisted manifest matches the archived one byte for byte
	stored, err := f.blobs.Get(context.Background(), res.ManifestKey)
	require.NoError(t, err)
	assert.Equal(t, contents["index.json"], stored)
	assert.True(t, strings.HasPrefix(res.ManifestKey, "evidence/TB-ABC1234/manifests/"))

	assert.Equal(t, ledger.Source{Kind: ledger.SourceBlob, Key: "email_attempts/TB-ABC1234/attempt-1.json"},
		m.Sources["R2/email_attempts/attempt-1.json"])
	assert.Equal(t, ledger.SourceRecord, m.Sources["D1/orders.json"].Kind)

	exports, err := f.records.ListExportRecords("TB-ABC1234", 10)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, res.SHA256, exports[0].ArchiveSHA256)
	assert.Equal(t, "completed", exports[0].Status)
	assert.Equal(t, int64(len(res.Archive)), exports[0].ArchiveSize)
}

func TestCollect_SummaryCSVQuotesValues(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-CSV1")

	b, err := f.svc.Collect(context.Background(), "TB-CSV1")
	require.NoError(t, err)

	var csv string
	for _, file := range b.Files {
		if file.Name == "D1/orders-summary.csv" {
			csv = string(file.Data)
		}
	}
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "order_id,customer_email,customer_name,plan,amount_cents,currency,status,created_at", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], `TB-CSV1,jane@example.com,"Jane, ""JJ"" Doe",annual,12900,usd,paid,`), lines[1])
}

func TestCollect_CustodyNarratesEveryStep(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-LOG1")
	f.putBlob(t, "verification/TB-LOG1/id-front.jpg", "jpeg bytes")

	b, err := f.svc.Collect(context.Background(), "TB-LOG1")
	require.NoError(t, err)

	got := actions(b.Manifest.ChainOfCustody)
	assert.Equal(t, "export_start", got[0])
	assert.Equal(t, "manifest_built", got[len(got)-1])
	for _, want := range []string{
		"query_start", "query_end",
		"summary_start", "summary_end",
		"list_start", "list_end",
		"fetch_start", "fetch_end",
		"report_start", "report_end",
		"render_start", "render_error",
		"archive_build",
		"hash_all_start", "hash_start", "hash_end", "hash_all_end",
	} {
		assert.Contains(t, got, want)
	}

	for i := 1; i < len(b.Manifest.ChainOfCustody); i++ {
		assert.False(t, b.Manifest.ChainOfCustody[i].At.Before(b.Manifest.ChainOfCustody[i-1].At))
	}
}

func TestCollect_RenderFailureUsesPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-PDF0")

	b, err := f.svc.Collect(context.Background(), "TB-PDF0")
	require.NoError(t, err)

	names := fileNames(b)
	assert.Contains(t, names, "report-pdf-error.txt")
	assert.NotContains(t, names, "report.pdf")
}

func TestCollect_RenderedPDFIncluded(t *testing.T) {
	f := newFixture(t, evidence.WithRenderer(stubRenderer{pdf: []byte("%PDF-1.7 report")}))
	f.seedOrder(t, "TB-PDF1")

	b, err := f.svc.Collect(context.Background(), "TB-PDF1")
	require.NoError(t, err)

	names := fileNames(b)
	assert.Contains(t, names, "report.pdf")
	assert.NotContains(t, names, "report-pdf-error.txt")
	assert.Equal(t, ledger.SourceGenerated, b.Manifest.Sources["report.pdf"].Kind)

	for _, file := range b.Files {
		if file.Name == "report.html" {
			assert.Contains(t, string(file.Data), "<li>report.pdf")
		}
	}
}

func TestCollect_ReportListsBundle(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-REP1")
	f.putBlob(t, "email_attempts/TB-REP1/attempt-1.json", "{}")

	b, err := f.svc.Collect(context.Background(), "TB-REP1")
	require.NoError(t, err)

	var html string
	for _, file := range b.Files {
		if file.Name == "report.html" {
			html = string(file.Data)
		}
	}
	require.NotEmpty(t, html)
	assert.Contains(t, html, "TB-REP1")
	assert.Contains(t, html, "R2/email_attempts/attempt-1.json")
	assert.Contains(t, html, "D1/orders.json")
	assert.Contains(t, html, "index.json")
	assert.Contains(t, html, "<li>report.html</li>")
	assert.Contains(t, html, "<li>report-pdf-error.txt</li>")
	// customer name is escaped
	assert.Contains(t, html, "Jane, &#34;JJ&#34; Doe")
}

func TestCollect_PartialSourceFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-FAIL1")
	f.putBlob(t, "email_attempts/TB-FAIL1/attempt-1.json", "{}")

	svc := evidence.NewService(failingRecords{RecordStore: f.records, table: "acceptances"}, f.blobs,
		evidence.DefaultOptions(), evidence.WithLogger(quietLogger()))

	b, err := svc.Collect(context.Background(), "TB-FAIL1")
	require.NoError(t, err)

	names := fileNames(b)
	assert.NotContains(t, names, "D1/acceptances.json")
	for _, want := range []string{
		"D1/orders.json", "D1/orders-summary.csv", "D1/email_logs.json",
		"D1/payment_events.json", "R2/email_attempts/attempt-1.json", "index.json",
	} {
		assert.Contains(t, names, want)
	}

	var found bool
	for _, e := range b.Manifest.ChainOfCustody {
		if e.Action == "query_error" && e.Context["category"] == "acceptances" {
			found = true
			assert.Contains(t, e.Context["error"], "database is locked")
		}
	}
	assert.True(t, found, "custody log records the failed category")
}

func TestCollect_PrimaryFailureSkipsJoinedCategory(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-FAIL2")

	svc := evidence.NewService(failingRecords{RecordStore: f.records, table: "orders"}, f.blobs,
		evidence.DefaultOptions(), evidence.WithLogger(quietLogger()))

	b, err := svc.Collect(context.Background(), "TB-FAIL2")
	require.NoError(t, err)

	names := fileNames(b)
	assert.NotContains(t, names, "D1/orders.json")
	assert.NotContains(t, names, "D1/payment_events.json")
	assert.Contains(t, names, "D1/acceptances.json")
	assert.Contains(t, actions(b.Manifest.ChainOfCustody), "query_skipped")
}

func TestCollect_RequiresOrderID(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "   ", "../etc", "a/b"} {
		_, err := f.svc.Collect(context.Background(), id)
		assert.ErrorIs(t, err, evidence.ErrSubjectRequired, "id %q", id)
	}
}

func TestCollect_ManifestPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "TB-RO1")

	svc := evidence.NewService(f.records, readOnlyBlobs{f.blobs}, evidence.DefaultOptions(),
		evidence.WithLogger(quietLogger()))
	_, err := svc.Collect(context.Background(), "TB-RO1")
	assert.ErrorIs(t, err, evidence.ErrArchiveFailed)
}

type readOnlyBlobs struct {
	blobstore.Store
}

func (readOnlyBlobs) Create(context.Context, string, []byte, string) error {
	return blobstore.ErrExists
}
