package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysense/pkg/storage"
	"github.com/nicktill/tinysense/pkg/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		store, err := New(Config{Path: MemoryPath})
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStorage_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "registry.db")
	ctx := context.Background()
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	store, err := New(Config{Path: path})
	require.NoError(t, err)
	m := &storage.Measurement{
		ID:         "persistent",
		DeviceID:   "hub-01",
		SensorCode: "accel",
		Status:     storage.StatusInProgress,
		StartTime:  start,
		Meta:       map[string]string{"axis": "z"},
	}
	require.NoError(t, store.CreateMeasurement(ctx, m))
	require.NoError(t, store.Close())

	store, err = New(Config{Path: path})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetMeasurement(ctx, "persistent")
	require.NoError(t, err)
	assert.Equal(t, "z", got.Meta["axis"])
	assert.True(t, got.StartTime.Equal(start))
}

func TestSQLiteStorage_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSQLiteStorage_EmptyMetaStaysNil(t *testing.T) {
	store, err := New(Config{Path: MemoryPath})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateMeasurement(ctx, &storage.Measurement{ID: "bare", Status: storage.StatusInProgress}))

	got, err := store.GetMeasurement(ctx, "bare")
	require.NoError(t, err)
	assert.Nil(t, got.Meta)
}
