package evidence

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/evidence/internal/blobstore"
	"github.com/BadgerOps/evidence/internal/ledger"
	"github.com/BadgerOps/evidence/internal/render"
	"github.com/BadgerOps/evidence/internal/store"
	"github.com/BadgerOps/evidence/internal/ziparchive"
)

const (
	reportHTMLName  = "report.html"
	reportPDFName   = "report.pdf"
	reportErrorName = "report-pdf-error.txt"
)

// Bundle is the result of one collection: every archive member in insertion
// order, with the manifest last.
type Bundle struct {
	OrderID     string
	ExportID    string
	ManifestKey string
	Manifest    *ledger.Manifest
	Files       []ziparchive.File
}

// collection accumulates files for a single export.
type collection struct {
	ledger  *ledger.Ledger
	files   []ziparchive.File
	sources map[string]ledger.Source
}

func (c *collection) add(name string, data []byte, src ledger.Source) {
	if _, dup := c.sources[name]; dup {
		c.ledger.Record("file_skipped", "file", name, "reason", "duplicate name")
		return
	}
	if data == nil {
		data = []byte{}
	}
	c.files = append(c.files, ziparchive.File{Name: name, Data: data})
	c.sources[name] = src
}

func (c *collection) names() []string {
	out := make([]string, len(c.files))
	for i, f := range c.files {
		out[i] = f.Name
	}
	return out
}

// Collect gathers every evidence file for an order, hashes them, persists the
// manifest and returns the complete file list with index.json appended last.
// Source failures are recorded in the custody log; only a missing order id or
// a manifest that cannot be encoded or persisted fails the call.
func (s *Service) Collect(ctx context.Context, orderID string) (*Bundle, error) {
	id, err := normalizeOrderID(orderID)
	if err != nil {
		return nil, err
	}

	exportID := uuid.NewString()
	c := &collection{
		ledger:  ledger.New(ledger.WithClock(s.now)),
		sources: make(map[string]ledger.Source),
	}
	c.ledger.Record("export_start", "order_id", id, "export_id", exportID)

	primary := s.collectRecords(ctx, c, id)
	s.collectBlobs(ctx, c, id)

	html, err := s.generateReport(c, id, exportID, primary)
	if err != nil {
		c.ledger.Record("report_error", "error", err.Error())
		s.logger.Warn("report generation failed", "order_id", id, "error", err)
	} else {
		s.renderReport(ctx, c, id, html)
	}

	sums := c.ledger.HashAll(c.files)
	// The archive is assembled after the manifest is sealed, so its entry
	// describes the layout; the resulting digest goes to export history.
	c.ledger.Record("archive_build", "format", "zip", "method", "store", "members", len(c.files)+1, "last", ledger.ManifestFileName)
	generatedAt := c.ledger.Now()
	key := s.manifestKey(id, exportID, generatedAt)
	c.ledger.Record("manifest_built", "files", len(c.files), "manifest_key", key)

	manifest := &ledger.Manifest{
		OrderID:        id,
		ExportID:       exportID,
		GeneratedAt:    generatedAt,
		Files:          c.names(),
		SHA256:         sums,
		Sources:        c.sources,
		ChainOfCustody: c.ledger.Entries(),
	}
	data, err := manifest.Encode()
	if err != nil {
		return nil, ErrArchiveFailed.WithMessagef("encoding manifest: %v", err)
	}

	if err := s.blobs.Create(ctx, key, data, "application/json"); err != nil {
		return nil, ErrArchiveFailed.WithMessagef("persisting manifest %s: %v", key, err)
	}
	s.logger.Debug("manifest persisted", "order_id", id, "key", key, "files", len(manifest.Files))

	files := append(c.files, ziparchive.File{Name: ledger.ManifestFileName, Data: data})
	return &Bundle{
		OrderID:     id,
		ExportID:    exportID,
		ManifestKey: key,
		Manifest:    manifest,
		Files:       files,
	}, nil
}

// collectRecords adds one JSON file per record category plus the CSV summary
// of the primary category. It returns the primary rows (nil if the query failed).
func (s *Service) collectRecords(ctx context.Context, c *collection, orderID string) []store.Row {
	var primary []store.Row
	primaryOK := false

	for _, cat := range recordCategories {
		param := orderID
		if cat.joinColumn != "" {
			if !primaryOK {
				c.ledger.Record("query_skipped", "category", cat.name, "reason", "primary record unavailable")
				continue
			}
			param = joinValue(primary, cat.joinColumn)
			if param == "" {
				c.ledger.Record("query_skipped", "category", cat.name, "reason", "no "+cat.joinColumn+" on primary record")
				continue
			}
		}

		src := ledger.Source{Kind: ledger.SourceRecord, Category: cat.name, Param: param, Format: formatJSON}
		c.ledger.Record("query_start", "category", cat.name, "param", param)
		data, rows, err := renderRecords(ctx, s.records, src)
		if err != nil {
			c.ledger.Record("query_error", "category", cat.name, "error", err.Error())
			s.logger.Warn("record query failed", "order_id", orderID, "category", cat.name, "error", err)
			continue
		}
		c.ledger.Record("query_end", "category", cat.name, "rows", len(rows), "bytes", len(data))
		c.add(recordFileName(cat.name, formatJSON), data, src)

		if cat.name != primaryCategory {
			continue
		}
		primary, primaryOK = rows, true

		c.ledger.Record("summary_start", "category", cat.name)
		summary, err := encodeRowsCSV(rows, summaryColumns)
		if err != nil {
			c.ledger.Record("summary_error", "category", cat.name, "error", err.Error())
			continue
		}
		c.ledger.Record("summary_end", "category", cat.name, "bytes", len(summary))
		csvSrc := src
		csvSrc.Format = formatCSV
		c.add(recordFileName(cat.name, formatCSV), summary, csvSrc)
	}

	return primary
}

func joinValue(rows []store.Row, column string) string {
	for _, r := range rows {
		if v := strings.TrimSpace(r.String(column)); v != "" {
			return v
		}
	}
	return ""
}

// collectBlobs lists every configured prefix for the order and fetches each
// object. Missing or unreadable objects are logged and skipped.
func (s *Service) collectBlobs(ctx context.Context, c *collection, orderID string) {
	for _, bp := range s.opts.BlobPrefixes {
		prefix := path.Join(bp.Prefix, orderID) + "/"

		c.ledger.Record("list_start", "prefix", prefix)
		objects, err := s.blobs.List(ctx, prefix)
		if err != nil {
			c.ledger.Record("list_error", "prefix", prefix, "error", err.Error())
			s.logger.Warn("blob listing failed", "order_id", orderID, "prefix", prefix, "error", err)
			continue
		}
		c.ledger.Record("list_end", "prefix", prefix, "objects", len(objects))

		for _, obj := range objects {
			short := shortName(obj.Key, prefix)
			if short == "" {
				continue
			}

			c.ledger.Record("fetch_start", "key", obj.Key)
			data, err := s.blobs.Get(ctx, obj.Key)
			switch {
			case errors.Is(err, blobstore.ErrNotFound):
				c.ledger.Record("fetch_missing", "key", obj.Key)
				s.logger.Warn("listed blob vanished before fetch", "key", obj.Key)
				continue
			case err != nil:
				c.ledger.Record("fetch_error", "key", obj.Key, "error", err.Error())
				s.logger.Warn("blob fetch failed", "key", obj.Key, "error", err)
				continue
			}
			c.ledger.Record("fetch_end", "key", obj.Key, "bytes", len(data))

			c.add(blobFileName(bp.Label, short), data, ledger.Source{Kind: ledger.SourceBlob, Key: obj.Key})
		}
	}
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Evidence report {{.OrderID}}</title>
<style>
body { font-family: sans-serif; font-size: 12px; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 2px 6px; text-align: left; }
</style>
</head>
<body>
<h1>Evidence report for order {{.OrderID}}</h1>
<p>Export {{.ExportID}} generated at {{.GeneratedAt}}</p>
<h2>Order record</h2>
{{- if .Fields}}
<table>
{{- range .Fields}}
<tr><th>{{.Name}}</th><td>{{.Value}}</td></tr>
{{- end}}
</table>
{{- else}}
<p>No order record was found.</p>
{{- end}}
<h2>Bundle contents</h2>
<ul>
{{- range .Files}}
<li>{{.}}</li>
{{- end}}
</ul>
</body>
</html>
`))

type reportField struct {
	Name  string
	Value string
}

type reportData struct {
	OrderID     string
	ExportID    string
	GeneratedAt string
	Fields      []reportField
	Files       []string
}

func (s *Service) generateReport(c *collection, orderID, exportID string, primary []store.Row) (string, error) {
	c.ledger.Record("report_start", "format", "html")

	data := reportData{
		OrderID:     orderID,
		ExportID:    exportID,
		GeneratedAt: c.ledger.Now().Format(time.RFC3339),
		Files:       append(c.names(), reportHTMLName, s.renditionName(), ledger.ManifestFileName),
	}
	if len(primary) > 0 {
		row := primary[0]
		for i, col := range row.Columns {
			data.Fields = append(data.Fields, reportField{Name: col, Value: csvValue(row.Values[i])})
		}
	}

	var b strings.Builder
	if err := reportTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("executing report template: %w", err)
	}
	html := b.String()

	c.add(reportHTMLName, []byte(html), ledger.Source{Kind: ledger.SourceGenerated})
	c.ledger.Record("report_end", "format", "html", "bytes", len(html))
	return html, nil
}

// renditionName is the report rendition the bundle will carry. A disabled
// renderer always yields the placeholder.
func (s *Service) renditionName() string {
	if _, ok := s.renderer.(render.Disabled); ok {
		return reportErrorName
	}
	return reportPDFName + " (" + reportErrorName + " if rendering fails)"
}

// renderReport adds report.pdf, or a text placeholder when rendering fails.
func (s *Service) renderReport(ctx context.Context, c *collection, orderID, html string) {
	c.ledger.Record("render_start", "format", "pdf")
	pdf, err := s.renderer.Render(ctx, html, s.opts.Page)
	if err == nil && len(pdf) == 0 {
		err = errors.New("renderer returned no bytes")
	}
	if err != nil {
		c.ledger.Record("render_error", "format", "pdf", "error", err.Error())
		s.logger.Info("pdf rendering unavailable, using placeholder", "order_id", orderID, "error", err)
		msg := fmt.Sprintf("The PDF rendition of %s could not be produced.\n\nReason: %s\n\n%s in this bundle holds the same report.\n",
			reportHTMLName, err.Error(), reportHTMLName)
		c.add(reportErrorName, []byte(msg), ledger.Source{Kind: ledger.SourceGenerated})
		return
	}
	c.ledger.Record("render_end", "format", "pdf", "bytes", len(pdf))
	c.add(reportPDFName, pdf, ledger.Source{Kind: ledger.SourceGenerated})
}
