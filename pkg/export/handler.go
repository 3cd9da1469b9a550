package export

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/httpx"
	"github.com/nicktill/tinysense/pkg/pipeline"
	"github.com/nicktill/tinysense/pkg/storage"
)

type writerFunc func(io.Writer, *storage.Measurement, io.Reader) (*ExportResult, error)

var formats = map[string]struct {
	contentType string
	write       writerFunc
}{
	FormatCSV:  {"text/csv", WriteCSV},
	FormatJSON: {"application/json", WriteJSON},
	FormatF32:  {"application/octet-stream", WriteF32},
}

// Handler handles export HTTP endpoints
type Handler struct {
	svc *pipeline.Service
}

// NewHandler creates a new export handler
func NewHandler(svc *pipeline.Service) *Handler {
	return &Handler{svc: svc}
}

// HandleExport handles GET /api/measurements/{id}/export
// Query params:
//   - format: "csv", "json" or "f32" (default: csv)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatCSV
	}
	f, ok := formats[format]
	if !ok {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid format %q: must be csv, json or f32", format))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.CompleteTimeout)
	defer cancel()

	m, rc, size, err := h.svc.OpenRaw(ctx, mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", f.contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", m.ID, format))
	if format == FormatF32 {
		w.Header().Set("Content-Length", fmt.Sprint(size))
	}

	// Headers are already sent, so a failure here can only be logged
	result, err := f.write(w, m, rc)
	if err != nil {
		log.Printf("❌ Export of measurement %s failed: %v", m.ID, err)
		return
	}

	log.Printf("✅ Exported %d samples of measurement %s (%s)", result.SamplesExported, m.ID, format)
}
