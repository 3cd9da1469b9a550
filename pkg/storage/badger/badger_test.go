package badger

import (
	"bytes"
	"context"
	"testing"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/storage"
	"github.com/nicktill/tinysense/pkg/storage/storagetest"
)

func TestBadgerStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		// Use in-memory mode for tests
		store, err := New(Config{InMemory: true})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		return store
	})
}

func TestBadgerStorage_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	// Write to first instance
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}

		m := &storage.Measurement{
			ID:         "persistent",
			DeviceID:   "hub-01",
			SensorCode: "accel",
			Status:     storage.StatusInProgress,
			StartTime:  start,
		}
		if err := store.CreateMeasurement(ctx, m); err != nil {
			t.Fatalf("CreateMeasurement failed: %v", err)
		}
		m.SampleCount, m.ChunkCount = 500, 1
		if err := store.RecordChunk(ctx, storage.Chunk{MeasurementID: "persistent", Index: 0, SampleCount: 500}, m); err != nil {
			t.Fatalf("RecordChunk failed: %v", err)
		}

		store.Close()
	}

	// Read from second instance (reopens same directory)
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to reopen storage: %v", err)
		}
		defer store.Close()

		m, err := store.GetMeasurement(ctx, "persistent")
		if err != nil {
			t.Fatalf("GetMeasurement failed: %v", err)
		}
		if m.SampleCount != 500 || m.ChunkCount != 1 {
			t.Errorf("Expected 500 samples in 1 chunk, got %d in %d", m.SampleCount, m.ChunkCount)
		}
		if !m.StartTime.Equal(start) {
			t.Errorf("Expected start time %v, got %v", start, m.StartTime)
		}

		if _, err := store.GetChunk(ctx, "persistent", 0); err != nil {
			t.Errorf("Expected persisted chunk 0: %v", err)
		}
	}
}

func TestBadgerStorage_ChunkKeyOrdering(t *testing.T) {
	prefix := chunkPrefix("m-1")
	k2 := chunkKey("m-1", 2)
	k10 := chunkKey("m-1", 10)

	if !bytes.HasPrefix(k2, prefix) || !bytes.HasPrefix(k10, prefix) {
		t.Fatalf("Chunk keys must share the measurement prefix")
	}
	if bytes.Compare(k2, k10) >= 0 {
		t.Errorf("Expected index 2 to sort before index 10")
	}
	if bytes.Equal(chunkPrefix("m-1"), chunkPrefix("m-2")) {
		t.Errorf("Expected distinct prefixes for distinct measurements")
	}
}

func TestBadgerStorage_CancelledContext(t *testing.T) {
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.GetMeasurement(ctx, "any"); err == nil {
		t.Errorf("Expected error for cancelled context")
	}
	if err := store.CreateMeasurement(ctx, &storage.Measurement{ID: "x"}); err == nil {
		t.Errorf("Expected error for cancelled context")
	}
}

func TestNew_OnDiskOptions(t *testing.T) {
	// The server opens badger on disk with a memory cap; both variants must open.
	for _, maxMB := range []int64{0, config.DefaultMaxMemoryMB} {
		store, err := New(Config{Path: t.TempDir(), MaxMemoryMB: maxMB})
		if err != nil {
			t.Fatalf("New(MaxMemoryMB=%d) failed: %v", maxMB, err)
		}

		ctx := context.Background()
		if _, err := store.UpsertDevice(ctx, "hub-01", time.Now().UTC()); err != nil {
			t.Errorf("UpsertDevice failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}
}

func TestUpdate_CancelledMidTransactionStillCommits(t *testing.T) {
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = store.update(ctx, func(txn *dgbadger.Txn) error {
		cancel()
		return txn.Set([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("update returned %v for a transaction that committed", err)
	}

	err = store.view(context.Background(), func(txn *dgbadger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	if err != nil {
		t.Errorf("Expected committed key to be readable: %v", err)
	}
}
