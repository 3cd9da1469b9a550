// Package query serves the viewer-facing read side: measurement listings,
// details, decimated series and the chunk ledger.
package query

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/httpx"
	"github.com/nicktill/tinysense/pkg/pipeline"
	"github.com/nicktill/tinysense/pkg/storage"
)

// Handler handles measurement queries
type Handler struct {
	svc *pipeline.Service
}

// NewHandler creates a new query handler
func NewHandler(svc *pipeline.Service) *Handler {
	return &Handler{svc: svc}
}

// ListItem is the summary row returned by the list endpoint
type ListItem struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	SensorType  string    `json:"sensorType"`
	StartTime   time.Time `json:"startTimeUtc"`
	Status      string    `json:"status"`
	SampleCount int64     `json:"sampleCount"`
}

// HandleList handles GET /api/measurements
// Query params:
//   - deviceId: device filter (optional)
//   - sensorType: sensor code filter (optional)
//   - take: result cap, clamped to 1..500 (default: 100)
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	take, err := intParam(q.Get("take"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid take: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	results, err := h.svc.List(ctx, q.Get("deviceId"), q.Get("sensorType"), take)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}

	items := make([]ListItem, 0, len(results))
	for _, m := range results {
		items = append(items, toListItem(m))
	}
	httpx.RespondJSON(w, http.StatusOK, items)
}

// HandleDetail handles GET /api/measurements/{id}
func (h *Handler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	m, err := h.svc.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, m)
}

// HandleSeries handles GET /api/measurements/{id}/series
// Query params:
//   - maxPoints: decimation budget, clamped to 10..5000 (default: 1000)
func (h *Handler) HandleSeries(w http.ResponseWriter, r *http.Request) {
	maxPoints, err := intParam(r.URL.Query().Get("maxPoints"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid maxPoints: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	series, err := h.svc.Series(ctx, mux.Vars(r)["id"], maxPoints)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, series)
}

// HandleChunks handles GET /api/measurements/{id}/chunks
func (h *Handler) HandleChunks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	chunks, err := h.svc.Chunks(ctx, mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, chunks)
}

func toListItem(m storage.Measurement) ListItem {
	return ListItem{
		ID:          m.ID,
		DeviceID:    m.DeviceID,
		SensorType:  m.SensorCode,
		StartTime:   m.StartTime,
		Status:      string(m.Status),
		SampleCount: m.SampleCount,
	}
}

// intParam parses an optional integer query parameter; empty means 0.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
