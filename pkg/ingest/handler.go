// Package ingest serves the device-facing endpoints: start, chunk, complete and fail.
package ingest

import (
	"context"
	"net/http"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/httpx"
	"github.com/nicktill/tinysense/pkg/pipeline"
)

// Handler handles measurement ingestion
type Handler struct {
	svc *pipeline.Service
}

// NewHandler creates a new ingest handler
func NewHandler(svc *pipeline.Service) *Handler {
	return &Handler{svc: svc}
}

// HandleStart handles POST /api/ingest/start
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondServiceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	m, err := h.svc.Start(ctx, req)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, pipeline.StartResponse{
		MeasurementID: m.ID,
		Status:        string(m.Status),
	})
}

// HandleChunk handles POST /api/ingest/chunk
func (h *Handler) HandleChunk(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ChunkRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondServiceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	result, err := h.svc.AcceptChunk(ctx, req)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// HandleComplete handles POST /api/ingest/complete
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CompleteRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondServiceError(w, err)
		return
	}

	// Hashing reads the whole raw file, so completion gets a longer budget
	ctx, cancel := context.WithTimeout(r.Context(), config.CompleteTimeout)
	defer cancel()

	result, err := h.svc.Complete(ctx, req)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// HandleFail handles POST /api/ingest/fail
func (h *Handler) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req pipeline.FailRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondServiceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	m, err := h.svc.Fail(ctx, req)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{
		"measurementId": m.ID,
		"status":        string(m.Status),
	})
}
