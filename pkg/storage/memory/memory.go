package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinysense/pkg/storage"
)

type sensorKey struct {
	code    string
	version int
}

type chunkKey struct {
	measurementID string
	index         int
}

// Storage keeps the registry in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	devices      map[string]storage.Device
	sensors      map[sensorKey]storage.SensorType
	measurements map[string]*storage.Measurement
	chunks       map[chunkKey]storage.Chunk
	mu           sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		devices:      make(map[string]storage.Device),
		sensors:      make(map[sensorKey]storage.SensorType),
		measurements: make(map[string]*storage.Measurement),
		chunks:       make(map[chunkKey]storage.Chunk),
	}
}

// UpsertDevice creates the device or refreshes its last-seen time
func (s *Storage) UpsertDevice(ctx context.Context, id string, seenAt time.Time) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		d = storage.Device{ID: id, CreatedAt: seenAt}
	}
	d.LastSeenAt = seenAt
	s.devices[id] = d
	return &d, nil
}

// UpsertSensorType returns the stored sensor type, creating it when absent
func (s *Storage) UpsertSensorType(ctx context.Context, st storage.SensorType) (*storage.SensorType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sensorKey{st.Code, st.SchemaVersion}
	if existing, ok := s.sensors[key]; ok {
		return &existing, nil
	}
	s.sensors[key] = st
	return &st, nil
}

// CreateMeasurement inserts a new measurement
func (s *Storage) CreateMeasurement(ctx context.Context, m *storage.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.measurements[m.ID]; ok {
		return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrExists)
	}
	s.measurements[m.ID] = m.Clone()
	return nil
}

// GetMeasurement returns a copy of the stored measurement
func (s *Storage) GetMeasurement(ctx context.Context, id string) (*storage.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.measurements[id]
	if !ok {
		return nil, fmt.Errorf("measurement %s: %w", id, storage.ErrNotFound)
	}
	return m.Clone(), nil
}

// UpdateMeasurement overwrites an existing measurement
func (s *Storage) UpdateMeasurement(ctx context.Context, m *storage.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.measurements[m.ID]; !ok {
		return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrNotFound)
	}
	s.measurements[m.ID] = m.Clone()
	return nil
}

// ListMeasurements returns matching measurements, newest first
func (s *Storage) ListMeasurements(ctx context.Context, req storage.ListRequest) ([]storage.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]storage.Measurement, 0)
	for _, m := range s.measurements {
		if !req.Matches(m) {
			continue
		}
		results = append(results, *m.Clone())
	}

	storage.SortNewestFirst(results)
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// GetChunk looks up one ledger entry
func (s *Storage) GetChunk(ctx context.Context, measurementID string, index int) (*storage.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[chunkKey{measurementID, index}]
	if !ok {
		return nil, fmt.Errorf("chunk %s/%d: %w", measurementID, index, storage.ErrNotFound)
	}
	return &c, nil
}

// RecordChunk stores the chunk and the measurement counters together
func (s *Storage) RecordChunk(ctx context.Context, c storage.Chunk, m *storage.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chunkKey{c.MeasurementID, c.Index}
	if _, ok := s.chunks[key]; ok {
		return fmt.Errorf("chunk %s/%d: %w", c.MeasurementID, c.Index, storage.ErrExists)
	}
	if _, ok := s.measurements[m.ID]; !ok {
		return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrNotFound)
	}

	s.chunks[key] = c
	s.measurements[m.ID] = m.Clone()
	return nil
}

// ListChunks returns the ledger of one measurement ordered by index
func (s *Storage) ListChunks(ctx context.Context, measurementID string) ([]storage.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]storage.Chunk, 0)
	for key, c := range s.chunks {
		if key.measurementID == measurementID {
			results = append(results, c)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		Devices:      uint64(len(s.devices)),
		SensorTypes:  uint64(len(s.sensors)),
		Measurements: uint64(len(s.measurements)),
		Chunks:       uint64(len(s.chunks)),
	}
	for _, m := range s.measurements {
		if m.Status == storage.StatusInProgress {
			stats.InProgress++
		}
	}
	return stats, nil
}
