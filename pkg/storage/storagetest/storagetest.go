// Package storagetest holds the behaviour every storage.Storage backend must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysense/pkg/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

var base = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// Run executes the conformance suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"DeviceUpsert", testDeviceUpsert},
		{"SensorTypeImmutable", testSensorTypeImmutable},
		{"MeasurementRoundTrip", testMeasurementRoundTrip},
		{"CreateDuplicate", testCreateDuplicate},
		{"UpdateUnknown", testUpdateUnknown},
		{"ListNewestFirst", testListNewestFirst},
		{"ListFilters", testListFilters},
		{"RecordChunk", testRecordChunk},
		{"RecordChunkDuplicate", testRecordChunkDuplicate},
		{"ChunkLedgerIsolation", testChunkLedgerIsolation},
		{"ConcurrentRecordChunk", testConcurrentRecordChunk},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func newMeasurement(id, device, sensor string, start time.Time) *storage.Measurement {
	return &storage.Measurement{
		ID:            id,
		DeviceID:      device,
		SensorCode:    sensor,
		SchemaVersion: 1,
		Status:        storage.StatusInProgress,
		SampleRateHz:  100,
		Unit:          "g",
		StartTime:     start,
		RawPath:       "/data/raw/" + id + ".f32",
		CreatedAt:     start,
	}
}

func testDeviceUpsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	d, err := s.UpsertDevice(ctx, "hub-01", base)
	require.NoError(t, err)
	assert.Equal(t, "hub-01", d.ID)
	assert.True(t, d.CreatedAt.Equal(base))

	later := base.Add(time.Hour)
	d, err = s.UpsertDevice(ctx, "hub-01", later)
	require.NoError(t, err)
	assert.True(t, d.CreatedAt.Equal(base), "created time must not move")
	assert.True(t, d.LastSeenAt.Equal(later))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Devices)
}

func testSensorTypeImmutable(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	st, err := s.UpsertSensorType(ctx, storage.SensorType{Code: "accel", SchemaVersion: 1, Unit: "g", CreatedAt: base})
	require.NoError(t, err)
	assert.Equal(t, "g", st.Unit)

	st, err = s.UpsertSensorType(ctx, storage.SensorType{Code: "accel", SchemaVersion: 1, Unit: "m/s2", CreatedAt: base})
	require.NoError(t, err)
	assert.Equal(t, "g", st.Unit, "existing sensor type is returned unchanged")

	st, err = s.UpsertSensorType(ctx, storage.SensorType{Code: "accel", SchemaVersion: 2, Unit: "m/s2", CreatedAt: base})
	require.NoError(t, err)
	assert.Equal(t, 2, st.SchemaVersion)
	assert.Equal(t, "m/s2", st.Unit)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.SensorTypes)
}

func testMeasurementRoundTrip(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	m := newMeasurement("m-1", "hub-01", "accel", base)
	m.Meta = map[string]string{"axis": "z", "site": "bench"}
	require.NoError(t, s.CreateMeasurement(ctx, m))

	// Callers must not be able to mutate stored state through their pointer.
	m.Meta["axis"] = "x"

	got, err := s.GetMeasurement(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "hub-01", got.DeviceID)
	assert.Equal(t, "accel", got.SensorCode)
	assert.Equal(t, storage.StatusInProgress, got.Status)
	assert.Equal(t, 100.0, got.SampleRateHz)
	assert.Equal(t, "z", got.Meta["axis"])
	assert.Equal(t, "bench", got.Meta["site"])
	assert.True(t, got.StartTime.Equal(base))
	assert.Nil(t, got.CompletedAt)

	done := base.Add(time.Minute)
	got.Status = storage.StatusCompleted
	got.CompletedAt = &done
	got.ContentHash = "abc"
	require.NoError(t, s.UpdateMeasurement(ctx, got))

	again, err := s.GetMeasurement(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, again.Status)
	require.NotNil(t, again.CompletedAt)
	assert.True(t, again.CompletedAt.Equal(done))
	assert.Equal(t, "abc", again.ContentHash)

	_, err = s.GetMeasurement(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCreateDuplicate(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.CreateMeasurement(ctx, newMeasurement("dup", "hub-01", "accel", base)))
	err := s.CreateMeasurement(ctx, newMeasurement("dup", "hub-02", "gyro", base))
	assert.ErrorIs(t, err, storage.ErrExists)

	got, err := s.GetMeasurement(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "hub-01", got.DeviceID)
}

func testUpdateUnknown(t *testing.T, s storage.Storage) {
	err := s.UpdateMeasurement(context.Background(), newMeasurement("ghost", "hub-01", "accel", base))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListNewestFirst(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m-%d", i)
		require.NoError(t, s.CreateMeasurement(ctx, newMeasurement(id, "hub-01", "accel", base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := s.ListMeasurements(ctx, storage.ListRequest{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].StartTime.After(all[i-1].StartTime), "list must be newest first")
	}
	assert.Equal(t, "m-4", all[0].ID)

	limited, err := s.ListMeasurements(ctx, storage.ListRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "m-4", limited[0].ID)
	assert.Equal(t, "m-3", limited[1].ID)
}

func testListFilters(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.CreateMeasurement(ctx, newMeasurement("a", "hub-01", "accel", base)))
	require.NoError(t, s.CreateMeasurement(ctx, newMeasurement("b", "hub-01", "gyro", base.Add(time.Second))))
	require.NoError(t, s.CreateMeasurement(ctx, newMeasurement("c", "hub-02", "accel", base.Add(2*time.Second))))

	byDevice, err := s.ListMeasurements(ctx, storage.ListRequest{DeviceID: "hub-01"})
	require.NoError(t, err)
	assert.Len(t, byDevice, 2)

	bySensor, err := s.ListMeasurements(ctx, storage.ListRequest{SensorCode: "accel"})
	require.NoError(t, err)
	require.Len(t, bySensor, 2)
	assert.Equal(t, "c", bySensor[0].ID)

	both, err := s.ListMeasurements(ctx, storage.ListRequest{DeviceID: "hub-02", SensorCode: "gyro"})
	require.NoError(t, err)
	assert.Empty(t, both)
}

func testRecordChunk(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	m := newMeasurement("m-1", "hub-01", "accel", base)
	require.NoError(t, s.CreateMeasurement(ctx, m))

	m.SampleCount = 500
	m.ChunkCount = 1
	chunk := storage.Chunk{MeasurementID: "m-1", Index: 0, SampleCount: 500, SizeBytes: 2000, SHA256: "h0", ReceivedAt: base}
	require.NoError(t, s.RecordChunk(ctx, chunk, m))

	got, err := s.GetMeasurement(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.SampleCount)
	assert.Equal(t, int64(1), got.ChunkCount)

	c, err := s.GetChunk(ctx, "m-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 500, c.SampleCount)
	assert.Equal(t, int64(2000), c.SizeBytes)
	assert.Equal(t, "h0", c.SHA256)

	_, err = s.GetChunk(ctx, "m-1", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Unknown measurement must not leave an orphan chunk behind.
	ghost := newMeasurement("ghost", "hub-01", "accel", base)
	err = s.RecordChunk(ctx, storage.Chunk{MeasurementID: "ghost", Index: 0, SampleCount: 1}, ghost)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetChunk(ctx, "ghost", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRecordChunkDuplicate(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	m := newMeasurement("m-1", "hub-01", "accel", base)
	require.NoError(t, s.CreateMeasurement(ctx, m))

	m.SampleCount, m.ChunkCount = 3, 1
	require.NoError(t, s.RecordChunk(ctx, storage.Chunk{MeasurementID: "m-1", Index: 7, SampleCount: 3}, m))

	m.SampleCount, m.ChunkCount = 6, 2
	err := s.RecordChunk(ctx, storage.Chunk{MeasurementID: "m-1", Index: 7, SampleCount: 3}, m)
	assert.ErrorIs(t, err, storage.ErrExists)

	got, err := s.GetMeasurement(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.SampleCount, "rejected chunk must not move counters")
	assert.Equal(t, int64(1), got.ChunkCount)
}

func testChunkLedgerIsolation(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	for _, id := range []string{"m-a", "m-b"} {
		m := newMeasurement(id, "hub-01", "accel", base)
		require.NoError(t, s.CreateMeasurement(ctx, m))
		// Record out of order to check the ledger comes back sorted.
		for n, idx := range []int{2, 0, 11, 1} {
			m.SampleCount = int64(n+1) * 10
			m.ChunkCount = int64(n + 1)
			require.NoError(t, s.RecordChunk(ctx, storage.Chunk{MeasurementID: id, Index: idx, SampleCount: 10}, m))
		}
	}

	chunks, err := s.ListChunks(ctx, "m-a")
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	indexes := make([]int, 0, len(chunks))
	for _, c := range chunks {
		assert.Equal(t, "m-a", c.MeasurementID)
		indexes = append(indexes, c.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 11}, indexes)

	none, err := s.ListChunks(ctx, "m-c")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConcurrentRecordChunk(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateMeasurement(ctx, newMeasurement("m-1", "hub-01", "accel", base)))

	// Callers serialize per measurement; distinct measurements may run in parallel.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		id := fmt.Sprintf("p-%d", w)
		require.NoError(t, s.CreateMeasurement(ctx, newMeasurement(id, "hub-01", "accel", base)))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m := newMeasurement(id, "hub-01", "accel", base)
			for i := 0; i < 10; i++ {
				m.SampleCount = int64(i+1) * 5
				m.ChunkCount = int64(i + 1)
				assert.NoError(t, s.RecordChunk(ctx, storage.Chunk{MeasurementID: id, Index: i, SampleCount: 5}, m))
			}
		}(id)
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		id := fmt.Sprintf("p-%d", w)
		got, err := s.GetMeasurement(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(50), got.SampleCount)
		assert.Equal(t, int64(10), got.ChunkCount)

		chunks, err := s.ListChunks(ctx, id)
		require.NoError(t, err)
		assert.Len(t, chunks, 10)
	}
}

func testStats(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.UpsertDevice(ctx, "hub-01", base)
	require.NoError(t, err)
	_, err = s.UpsertSensorType(ctx, storage.SensorType{Code: "accel", SchemaVersion: 1, CreatedAt: base})
	require.NoError(t, err)

	open := newMeasurement("open", "hub-01", "accel", base)
	require.NoError(t, s.CreateMeasurement(ctx, open))
	closed := newMeasurement("closed", "hub-01", "accel", base)
	closed.Status = storage.StatusFailed
	require.NoError(t, s.CreateMeasurement(ctx, closed))

	open.SampleCount, open.ChunkCount = 1, 1
	require.NoError(t, s.RecordChunk(ctx, storage.Chunk{MeasurementID: "open", Index: 0, SampleCount: 1}, open))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Devices)
	assert.Equal(t, uint64(1), stats.SensorTypes)
	assert.Equal(t, uint64(2), stats.Measurements)
	assert.Equal(t, uint64(1), stats.InProgress)
	assert.Equal(t, uint64(1), stats.Chunks)
}
