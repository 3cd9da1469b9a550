package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/httpx"
	"github.com/nicktill/tinysense/pkg/live"
	"github.com/nicktill/tinysense/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"usedBytes"`
	MaxBytes  int64 `json:"maxBytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       string             `json:"status"`
	Version      string             `json:"version"`
	Uptime       string             `json:"uptime"`
	Registry     string             `json:"registry"`
	LiveSessions int                `json:"liveSessions"`
	GC           monitor.TaskStatus `json:"gc"`
}

// handleHealth returns service health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	statusCode := http.StatusOK
	if !s.GCMonitor.IsHealthy() {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, statusCode, HealthResponse{
		Status:       status,
		Version:      Version,
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
		Registry:     s.Config.Registry,
		LiveSessions: s.Hub.Count(),
		GC:           s.GCMonitor.Status(),
	})
}

// handleStorageUsage returns current storage usage.
func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usedBytes, err := s.StorageMonitor.GetUsage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StorageUsage{
		UsedBytes: usedBytes,
		MaxBytes:  s.StorageMonitor.GetLimit(),
	})
}

// handleStats returns registry record counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	stats, err := s.Pipeline.Stats(ctx)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// Router builds the router with every route registered.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	s.SetupRoutes(router)
	return router
}

// SetupRoutes configures all HTTP routes for the server.
func (s *Server) SetupRoutes(router *mux.Router) {
	ingestHandler, queryHandler, exportHandler := s.InitializeHandlers()

	// CORS middleware for API access
	router.Use(corsMiddleware(s.Config.Port))
	router.Use(s.httpMetrics)

	// API routes live on the root router so a wrong method is a 405, and they
	// accept OPTIONS so preflight requests reach the CORS middleware.
	api := func(path string, h http.HandlerFunc, method string) {
		router.HandleFunc("/api"+path, h).Methods(method, http.MethodOptions)
	}

	// Device-facing ingestion
	api("/ingest/start", ingestHandler.HandleStart, http.MethodPost)
	api("/ingest/chunk", ingestHandler.HandleChunk, http.MethodPost)
	api("/ingest/complete", ingestHandler.HandleComplete, http.MethodPost)
	api("/ingest/fail", ingestHandler.HandleFail, http.MethodPost)

	// Viewer-facing reads
	api("/measurements", queryHandler.HandleList, http.MethodGet)
	api("/measurements/{id}", queryHandler.HandleDetail, http.MethodGet)
	api("/measurements/{id}/series", queryHandler.HandleSeries, http.MethodGet)
	api("/measurements/{id}/chunks", queryHandler.HandleChunks, http.MethodGet)
	api("/measurements/{id}/export", exportHandler.HandleExport, http.MethodGet)

	// Operations
	api("/stats", s.handleStats, http.MethodGet)
	api("/storage", s.handleStorageUsage, http.MethodGet)
	api("/health", s.handleHealth, http.MethodGet)

	// WebSocket for live chunk pushes
	router.HandleFunc("/ws/live", live.HandleWebSocket(s.Hub)).Methods("GET")

	// Prometheus metrics for this instance only
	router.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
