package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinysense/pkg/storage"
)

// Key prefixes
var (
	prefixDevice      = []byte("d/")
	prefixSensor      = []byte("s/")
	prefixMeasurement = []byte("m/")
	prefixChunk       = []byte("c")
)

// maxTxnRetries bounds retries of transactions that lost an optimistic conflict
const maxTxnRetries = 5

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	// The registry is small (a few records per measurement) so the defaults
	// are far larger than needed. Keep memory bounded for single-board hosts.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger refuses to open with fewer than 2
		WithValueLogFileSize(64 << 20). // 64 MB value log files instead of default 2GB
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// UpsertDevice creates the device or refreshes its last-seen time
func (s *Storage) UpsertDevice(ctx context.Context, id string, seenAt time.Time) (*storage.Device, error) {
	var result storage.Device
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := deviceKey(id)
		var d storage.Device
		found, err := getJSON(txn, key, &d)
		if err != nil {
			return err
		}
		if !found {
			d = storage.Device{ID: id, CreatedAt: seenAt}
		}
		d.LastSeenAt = seenAt
		result = d
		return setJSON(txn, key, d)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpsertSensorType returns the stored sensor type, creating it when absent
func (s *Storage) UpsertSensorType(ctx context.Context, st storage.SensorType) (*storage.SensorType, error) {
	var result storage.SensorType
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := sensorKey(st.Code, st.SchemaVersion)
		found, err := getJSON(txn, key, &result)
		if err != nil || found {
			return err
		}
		result = st
		return setJSON(txn, key, st)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateMeasurement inserts a new measurement
func (s *Storage) CreateMeasurement(ctx context.Context, m *storage.Measurement) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := measurementKey(m.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, m)
	})
}

// GetMeasurement loads one measurement
func (s *Storage) GetMeasurement(ctx context.Context, id string) (*storage.Measurement, error) {
	var m storage.Measurement
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, measurementKey(id), &m)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("measurement %s: %w", id, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMeasurement overwrites an existing measurement
func (s *Storage) UpdateMeasurement(ctx context.Context, m *storage.Measurement) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := measurementKey(m.ID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrNotFound)
			}
			return err
		}
		return setJSON(txn, key, m)
	})
}

// ListMeasurements scans the measurement prefix and applies filters
func (s *Storage) ListMeasurements(ctx context.Context, req storage.ListRequest) ([]storage.Measurement, error) {
	results := make([]storage.Measurement, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		results = results[:0]
		return iteratePrefix(ctx, txn, prefixMeasurement, true, func(item *badger.Item) error {
			var m storage.Measurement
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("failed to decode measurement: %w", err)
			}
			if req.Matches(&m) {
				results = append(results, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	storage.SortNewestFirst(results)
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// GetChunk looks up one ledger entry
func (s *Storage) GetChunk(ctx context.Context, measurementID string, index int) (*storage.Chunk, error) {
	var c storage.Chunk
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, chunkKey(measurementID, index), &c)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("chunk %s/%d: %w", measurementID, index, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordChunk writes the chunk and the measurement counters in one transaction
func (s *Storage) RecordChunk(ctx context.Context, c storage.Chunk, m *storage.Measurement) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ck := chunkKey(c.MeasurementID, c.Index)
		if _, err := txn.Get(ck); err == nil {
			return fmt.Errorf("chunk %s/%d: %w", c.MeasurementID, c.Index, storage.ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		mk := measurementKey(m.ID)
		if _, err := txn.Get(mk); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrNotFound)
			}
			return err
		}

		if err := setJSON(txn, ck, c); err != nil {
			return err
		}
		return setJSON(txn, mk, m)
	})
}

// ListChunks returns a measurement's ledger. Keys sort by index within the
// measurement's hash prefix, so no extra sort is needed.
func (s *Storage) ListChunks(ctx context.Context, measurementID string) ([]storage.Chunk, error) {
	results := make([]storage.Chunk, 0)
	prefix := chunkPrefix(measurementID)
	suffix := []byte(measurementID)

	err := s.view(ctx, func(txn *badger.Txn) error {
		results = results[:0]
		return iteratePrefix(ctx, txn, prefix, true, func(item *badger.Item) error {
			// different ids sharing a hash interleave here
			if !bytes.Equal(item.Key()[len(prefix)+8:], suffix) {
				return nil
			}
			var c storage.Chunk
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("failed to decode chunk: %w", err)
			}
			results = append(results, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when nothing was collected
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats counts records per prefix
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		*stats = storage.Stats{}
		counts := []struct {
			prefix []byte
			n      *uint64
		}{
			{prefixDevice, &stats.Devices},
			{prefixSensor, &stats.SensorTypes},
			{prefixChunk, &stats.Chunks},
		}
		for _, c := range counts {
			if err := iteratePrefix(ctx, txn, c.prefix, false, func(*badger.Item) error {
				*c.n++
				return nil
			}); err != nil {
				return err
			}
		}

		return iteratePrefix(ctx, txn, prefixMeasurement, true, func(item *badger.Item) error {
			stats.Measurements++
			var m storage.Measurement
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if m.Status == storage.StatusInProgress {
				stats.InProgress++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// update runs fn in a read-write transaction, retrying optimistic conflicts.
// ctx is only checked before each attempt: once a commit may have happened the
// caller gets its real outcome, never a cancellation that hides a write.
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// view runs fn in a read-only transaction. A cancelled ctx abandons the read.
func (s *Storage) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.View(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("read operation cancelled: %w", ctx.Err())
	}
}

// iteratePrefix calls fn for every key under prefix, checking ctx every 1000 items.
func iteratePrefix(ctx context.Context, txn *badger.Txn, prefix []byte, values bool, fn func(*badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	var n int
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func deviceKey(id string) []byte {
	return append(append([]byte{}, prefixDevice...), id...)
}

// sensorKey: s/<code>\x00<version uint32 BE>
func sensorKey(code string, version int) []byte {
	key := make([]byte, 0, len(prefixSensor)+len(code)+5)
	key = append(key, prefixSensor...)
	key = append(key, code...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint32(key, uint32(version))
}

func measurementKey(id string) []byte {
	return append(append([]byte{}, prefixMeasurement...), id...)
}

// chunkPrefix: c<xxhash64(id) 8 bytes>
func chunkPrefix(measurementID string) []byte {
	key := make([]byte, 0, len(prefixChunk)+8)
	key = append(key, prefixChunk...)
	return binary.BigEndian.AppendUint64(key, xxhash.Sum64String(measurementID))
}

// chunkKey: c<xxhash64(id) 8 bytes><index uint64 BE><id>
func chunkKey(measurementID string, index int) []byte {
	key := chunkPrefix(measurementID)
	key = binary.BigEndian.AppendUint64(key, uint64(index))
	return append(key, measurementID...)
}
