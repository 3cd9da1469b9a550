package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/server/monitor"
	"github.com/nicktill/tinysense/pkg/storage"
	"github.com/nicktill/tinysense/pkg/storage/badger"
)

// valueLogGC is the part of the badger backend the GC loop needs.
type valueLogGC interface {
	RunGC(discardRatio float64) error
}

var _ valueLogGC = (*badger.Storage)(nil)

// RunBadgerGC runs BadgerDB value log garbage collection every interval until
// stop is closed. Each tick is recorded on tm. Non-badger registries return
// immediately.
func RunBadgerGC(store storage.Storage, tm *monitor.TaskMonitor, interval time.Duration, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	gc, ok := store.(valueLogGC)
	if !ok {
		log.Println("Registry is not BadgerDB, skipping GC")
		return
	}
	if interval <= 0 {
		interval = config.BadgerGCInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", interval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			err := gc.RunGC(config.BadgerGCDiscardRatio)
			switch {
			case err == nil:
				tm.RecordSuccess()
				log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			case errors.Is(err, dgbadger.ErrNoRewrite):
				tm.RecordSuccess()
			default:
				tm.RecordFailure(err)
				log.Printf("GC failed: %v", err)
				if status := tm.Status(); status.ConsecutiveErrors > 3 {
					log.Printf("ALERT: BadgerDB GC has been failing! Consecutive errors: %d", status.ConsecutiveErrors)
				}
			}
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}

// registryGauges mirror the registry record counts on /metrics.
type registryGauges struct {
	measurements prometheus.Gauge
	inProgress   prometheus.Gauge
	chunks       prometheus.Gauge
	devices      prometheus.Gauge
	storageBytes prometheus.Gauge
}

func newRegistryGauges(reg prometheus.Registerer) *registryGauges {
	f := promauto.With(reg)
	return &registryGauges{
		measurements: f.NewGauge(prometheus.GaugeOpts{
			Name: "tinysense_registry_measurements",
			Help: "Measurements in the registry.",
		}),
		inProgress: f.NewGauge(prometheus.GaugeOpts{
			Name: "tinysense_registry_measurements_in_progress",
			Help: "Measurements still accepting chunks.",
		}),
		chunks: f.NewGauge(prometheus.GaugeOpts{
			Name: "tinysense_registry_chunks",
			Help: "Chunk ledger entries in the registry.",
		}),
		devices: f.NewGauge(prometheus.GaugeOpts{
			Name: "tinysense_registry_devices",
			Help: "Known devices.",
		}),
		storageBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "tinysense_storage_used_bytes",
			Help: "Disk usage of the data directories.",
		}),
	}
}

// SampleRegistry periodically copies registry stats and disk usage into
// gauges. Uses exponential backoff on errors to prevent log spam during outages.
func SampleRegistry(ctx context.Context, s *Server, interval time.Duration) {
	gauges := newRegistryGauges(s.Registry)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	sample := func() {
		stats, err := s.Pipeline.Stats(ctx)
		if err != nil {
			consecutiveErrors++
			now := time.Now()

			// 1s, 2s, 4s ... capped at 5m
			backoff := time.Duration(1<<uint(min(consecutiveErrors-1, 8))) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
				log.Printf("Failed to sample registry stats (error #%d, backoff %v): %v", consecutiveErrors, backoff, err)
				lastErrorTime = now
			}
			return
		}

		if consecutiveErrors > 0 {
			log.Printf("Registry stats sampling recovered after %d errors", consecutiveErrors)
			consecutiveErrors = 0
		}

		gauges.measurements.Set(float64(stats.Measurements))
		gauges.inProgress.Set(float64(stats.InProgress))
		gauges.chunks.Set(float64(stats.Chunks))
		gauges.devices.Set(float64(stats.Devices))

		if used, err := s.StorageMonitor.GetUsage(); err == nil {
			gauges.storageBytes.Set(float64(used))
		}
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
