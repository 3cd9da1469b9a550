// Package server wires the registry, raw store, live hub and pipeline into an
// HTTP router and owns the background tasks that keep them healthy.
package server

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/export"
	"github.com/nicktill/tinysense/pkg/httpx"
	"github.com/nicktill/tinysense/pkg/ingest"
	"github.com/nicktill/tinysense/pkg/live"
	"github.com/nicktill/tinysense/pkg/pipeline"
	"github.com/nicktill/tinysense/pkg/query"
	"github.com/nicktill/tinysense/pkg/rawstore"
	"github.com/nicktill/tinysense/pkg/server/monitor"
	"github.com/nicktill/tinysense/pkg/storage"
	"github.com/nicktill/tinysense/pkg/storage/badger"
	"github.com/nicktill/tinysense/pkg/storage/memory"
	"github.com/nicktill/tinysense/pkg/storage/sqlite"
)

// Server holds every long-lived component of a running instance.
type Server struct {
	Config         config.Config
	Store          storage.Storage
	Raw            *rawstore.Store
	Hub            *live.Hub
	Pipeline       *pipeline.Service
	StorageMonitor *monitor.StorageMonitor
	GCMonitor      *monitor.TaskMonitor
	Registry       *prometheus.Registry

	httpMetrics mux.MiddlewareFunc
	startedAt   time.Time
}

// InitializeStorage opens the registry backend selected by cfg.Registry.
func InitializeStorage(cfg config.Config) (storage.Storage, error) {
	switch cfg.Registry {
	case config.RegistryMemory:
		log.Println("Using in-memory registry (data is lost on exit)")
		return memory.New(), nil

	case config.RegistrySQLite:
		log.Printf("Opening SQLite registry at %s...", cfg.RegistryPath())
		store, err := sqlite.New(sqlite.Config{Path: cfg.RegistryPath()})
		if err != nil {
			return nil, err
		}
		log.Println("SQLite registry initialized successfully")
		return store, nil

	case config.RegistryBadger, "":
		log.Println("Initializing BadgerDB registry with Snappy compression...")
		store, err := badger.New(badger.Config{
			Path:        cfg.RegistryPath(),
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		log.Println("BadgerDB registry initialized successfully")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry)
	}
}

// New creates the data directories and wires all components.
func New(cfg config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := InitializeStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	raw, err := rawstore.New(rawstore.Config{Path: cfg.RawDir})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize raw store: %w", err)
	}
	log.Printf("Raw samples stored under %s", raw.Root())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	storageMonitor := monitor.NewStorageMonitor(cfg.MaxStorageBytes(), cfg.DataDir, cfg.RawDir)
	hub := live.NewHub(reg)

	svc := pipeline.New(store, raw, hub, pipeline.Options{
		MaxLivePoints:  cfg.MaxLivePoints,
		StorageChecker: storageMonitor,
		Registerer:     reg,
	})

	return &Server{
		Config:         cfg,
		Store:          store,
		Raw:            raw,
		Hub:            hub,
		Pipeline:       svc,
		StorageMonitor: storageMonitor,
		GCMonitor:      monitor.NewTaskMonitor("badger-gc", 3*config.BadgerGCInterval),
		Registry:       reg,
		httpMetrics:    httpx.Metrics(reg),
		startedAt:      time.Now(),
	}, nil
}

// InitializeHandlers creates the HTTP handlers over the pipeline.
func (s *Server) InitializeHandlers() (*ingest.Handler, *query.Handler, *export.Handler) {
	return ingest.NewHandler(s.Pipeline), query.NewHandler(s.Pipeline), export.NewHandler(s.Pipeline)
}

// Close disconnects live viewers and closes the registry.
func (s *Server) Close() error {
	s.Hub.Close()
	return s.Store.Close()
}
