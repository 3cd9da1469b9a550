package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/server"
)

func main() {
	log.Println("🚀 Starting TinySense Server...")

	// TINYSENSE_REGISTRY: badger (default), sqlite or memory
	// TINYSENSE_MAX_STORAGE_GB: raw + registry disk limit (default: 1 GB)
	cfg := config.Load()
	log.Printf("⚙️  Configuration: registry = %s, storage limit = %.2f GB, live points = %d",
		cfg.Registry, float64(cfg.MaxStorageBytes())/(1024*1024*1024), config.LivePoints(cfg.MaxLivePoints))
	log.Printf("📁 Data directory: %s (raw samples in %s)", cfg.DataDir, cfg.RawDir)

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Start BadgerDB garbage collection (reclaims value log space)
	stopGC := make(chan bool)
	wg.Add(1)
	go server.RunBadgerGC(srv.Store, srv.GCMonitor, config.BadgerGCInterval, stopGC, &wg)

	// Mirror registry counts into /metrics
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.SampleRegistry(ctx, srv, config.StatsSampleInterval)
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server starting on http://localhost:%s", cfg.Port)
		log.Println("📡 API endpoints:")
		log.Println("   POST /api/ingest/start      - Open a measurement")
		log.Println("   POST /api/ingest/chunk      - Append a chunk")
		log.Println("   POST /api/ingest/complete   - Close and hash a measurement")
		log.Println("   GET  /api/measurements      - List measurements")
		log.Println("   GET  /ws/live               - Live chunk stream")
		log.Println("   GET  /metrics               - Prometheus endpoint")
		log.Println("✅ Server ready to accept requests")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	// Cancel background tasks before waiting on them
	log.Println("⏸️  Stopping background tasks...")
	cancel()
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	log.Println("🔄 Gracefully shutting down server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	log.Println("⏳ Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 TinySense server exited cleanly")
}
