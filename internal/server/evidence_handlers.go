package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/evidence/internal/evidence"
)

// handleEvidenceExport streams an order's evidence bundle as a ZIP download.
func (s *Server) handleEvidenceExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	res, err := s.evidence.Export(ctx, r.PathValue("id"))
	if err != nil {
		s.evidenceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Archive)))
	w.Header().Set("X-Evidence-Export-Id", res.ExportID)
	w.Header().Set("X-Evidence-Sha256", res.SHA256)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Archive); err != nil {
		s.logger.Warn("failed to write evidence archive", "order_id", res.OrderID, "error", err)
	}
}

// handleEvidenceVerify verifies an order against its latest manifest and
// returns the audit.
func (s *Server) handleEvidenceVerify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	audit, err := s.evidence.Verify(ctx, r.PathValue("id"))
	if err != nil {
		s.evidenceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(audit); err != nil {
		s.logger.Error("failed to encode audit", "error", err)
	}
}

// handleVerifyAll verifies every order and streams progress via SSE.
// Closing the connection cancels the remaining work.
func (s *Server) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	workers := s.config.Evidence.VerifyWorkers
	if v := r.URL.Query().Get("workers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "workers must be a positive integer", "")
			return
		}
		workers = n
	}

	ids, err := s.store.ListOrderIDs(0)
	if err != nil {
		s.logger.Error("failed to list orders", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list orders", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	sendEvent("init", map[string]int{"total": len(ids), "workers": workers})

	var summary evidence.Summary
	for p := range s.evidence.VerifyAll(r.Context(), ids, workers) {
		summary.Add(p)
		sendEvent("progress", p)
	}

	if r.Context().Err() != nil {
		s.logger.Info("verify-all client disconnected", "completed", summary.Total, "total", len(ids))
		return
	}
	sendEvent("done", summary)
}

type exportRecordJSON struct {
	OrderID       string    `json:"order_id"`
	ExportID      string    `json:"export_id"`
	ManifestKey   string    `json:"manifest_key"`
	FileCount     int       `json:"file_count"`
	ArchiveSize   int64     `json:"archive_size"`
	ArchiveSHA256 string    `json:"archive_sha256"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type verificationRecordJSON struct {
	OrderID       string    `json:"order_id"`
	AuditKey      string    `json:"audit_key"`
	ManifestKey   string    `json:"manifest_key"`
	OverallOK     bool      `json:"overall_ok"`
	MismatchCount int       `json:"mismatch_count"`
	CheckedAt     time.Time `json:"checked_at"`
}

// HistoryResponse is the body of GET /api/evidence/history.
type HistoryResponse struct {
	Exports       []exportRecordJSON       `json:"exports"`
	Verifications []verificationRecordJSON `json:"verifications"`
}

// handleHistory lists past exports and verifications, optionally for one order.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = n
	}

	exports, err := s.store.ListExportRecords(orderID, limit)
	if err != nil {
		s.logger.Error("failed to list export history", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list export history", "")
		return
	}
	verifications, err := s.store.ListVerificationRecords(orderID, limit)
	if err != nil {
		s.logger.Error("failed to list verification history", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list verification history", "")
		return
	}

	resp := HistoryResponse{
		Exports:       make([]exportRecordJSON, 0, len(exports)),
		Verifications: make([]verificationRecordJSON, 0, len(verifications)),
	}
	for _, e := range exports {
		resp.Exports = append(resp.Exports, exportRecordJSON{
			OrderID:       e.OrderID,
			ExportID:      e.ExportID,
			ManifestKey:   e.ManifestKey,
			FileCount:     e.FileCount,
			ArchiveSize:   e.ArchiveSize,
			ArchiveSHA256: e.ArchiveSHA256,
			Status:        e.Status,
			ErrorMessage:  e.ErrorMessage,
			CreatedAt:     e.CreatedAt,
		})
	}
	for _, v := range verifications {
		resp.Verifications = append(resp.Verifications, verificationRecordJSON{
			OrderID:       v.OrderID,
			AuditKey:      v.AuditKey,
			ManifestKey:   v.ManifestKey,
			OverallOK:     v.OverallOK,
			MismatchCount: v.MismatchCount,
			CheckedAt:     v.CheckedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode history response", "error", err)
	}
}

// handleAPIStatus reports service configuration and uptime.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrderIDs(0)
	if err != nil {
		s.logger.Warn("failed to count orders", "error", err)
	}

	response := map[string]interface{}{
		"status":           "ok",
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"orders":           len(orders),
		"blob_driver":      s.config.BlobStore.Driver,
		"renderer_enabled": s.config.Renderer.Enabled,
		"verify_workers":   s.config.Evidence.VerifyWorkers,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode status response", "error", err)
	}
}

// evidenceError maps engine errors onto HTTP status codes.
func (s *Server) evidenceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, evidence.ErrSubjectRequired):
		status = http.StatusBadRequest
	case errors.Is(err, evidence.ErrManifestNotFound):
		status = http.StatusNotFound
	}

	code := ""
	var e *evidence.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	if status >= 500 {
		s.logger.Error("evidence request failed", "error", err)
	} else {
		s.logger.Info("evidence request rejected", "error", err)
	}
	jsonError(w, status, err.Error(), code)
}

func jsonError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]string{"error": message}
	if code != "" {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
