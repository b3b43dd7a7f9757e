// Package render talks to the external HTML-to-PDF rendering service.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/evidence/internal/safety"
)

// ErrDisabled is returned by a renderer that has no backing service.
var ErrDisabled = errors.New("render: renderer disabled")

// PageFormat is the page-layout configuration sent with each document.
type PageFormat struct {
	Size            string `json:"format"`
	Landscape       bool   `json:"landscape"`
	PrintBackground bool   `json:"print_background"`
	MarginMM        int    `json:"margin_mm"`
}

// Renderer turns an HTML document into a fixed-layout document.
type Renderer interface {
	Render(ctx context.Context, html string, page PageFormat) ([]byte, error)
}

// Disabled always fails with ErrDisabled.
type Disabled struct{}

func (Disabled) Render(context.Context, string, PageFormat) ([]byte, error) {
	return nil, ErrDisabled
}

// HTTPRenderer posts {"html": ..., "page": ...} to a rendering endpoint and
// expects the PDF bytes back.
type HTTPRenderer struct {
	url      string
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewHTTPRenderer validates url and builds a renderer with a per-call timeout.
func NewHTTPRenderer(url string, timeout time.Duration, maxBytes int64, logger *slog.Logger) (*HTTPRenderer, error) {
	if _, err := safety.ValidateServiceURL(url); err != nil {
		return nil, fmt.Errorf("renderer url: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRenderer{
		url:      url,
		client:   safety.NewHTTPClient(timeout),
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

type renderRequest struct {
	HTML string     `json:"html"`
	Page PageFormat `json:"page"`
}

// Render sends one document. Any transport error, non-2xx status, empty or
// oversized body is returned as an error; callers decide how to degrade.
func (r *HTTPRenderer) Render(ctx context.Context, html string, page PageFormat) ([]byte, error) {
	body, err := json.Marshal(renderRequest{HTML: html, Page: page})
	if err != nil {
		return nil, fmt.Errorf("encoding render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling renderer: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("renderer returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	data, err := safety.ReadAllWithLimit(resp.Body, r.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("reading rendered document: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("renderer returned an empty document")
	}

	r.logger.Debug("document rendered", "bytes", len(data), "duration", time.Since(start))
	return data, nil
}
