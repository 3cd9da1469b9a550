package rawstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysense/pkg/codec"
)

// sha256 of the 12 little-endian bytes of [1.0, 2.0, 3.0]
const hashOneTwoThree = "8e628779e6a74ee0b36991c10158f63cafec7d340ad4e075592502c8708524dd"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Path: t.TempDir(), NoSync: true})
	require.NoError(t, err)
	return store
}

func TestAppendAndReadAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.Append(ctx, "m1", []float32{1, 2})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.Append(ctx, "m1", []float32{3})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	samples, err := store.ReadAll(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, samples)

	size, err := store.Size("m1")
	require.NoError(t, err)
	require.Equal(t, int64(3), size)
}

func TestReadAll_Missing(t *testing.T) {
	store := newTestStore(t)

	samples, err := store.ReadAll(context.Background(), "nothing-here")
	require.NoError(t, err)
	require.NotNil(t, samples)
	require.Empty(t, samples)
}

func TestFileLayout_HeaderlessLittleEndian(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append(context.Background(), "m1", []float32{1, 2, 3})
	require.NoError(t, err)

	path, err := store.Path("m1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(store.Root(), "m1.f32"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, codec.Encode([]float32{1, 2, 3}), data)
}

func TestReadAll_IgnoresTrailingFragment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Append(ctx, "m1", []float32{1, 2})
	require.NoError(t, err)

	// simulate a record being half written
	path, _ := store.Path("m1")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	samples, err := store.ReadAll(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2}, samples)

	rc, size, err := store.Open(ctx, "m1")
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, int64(8), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Len(t, data, 8)
}

func TestContentHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hash, err := store.ContentHash(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, hash, "no data yet")

	_, err = store.Append(ctx, "m1", []float32{1, 2, 3})
	require.NoError(t, err)

	hash, err = store.ContentHash(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, hashOneTwoThree, hash)
}

func TestContentHash_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append(context.Background(), "m1", []float32{1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.ContentHash(ctx, "m1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvalidIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		_, err := store.Append(ctx, id, []float32{1})
		require.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestNew_UnwritableRoot(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := New(Config{Path: filepath.Join(blocker, "raw")})
	require.ErrorIs(t, err, ErrStorage)
}

func TestConcurrentAppends_SameID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 20
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			chunk := make([]float32, perWriter)
			for i := range chunk {
				chunk[i] = float32(w)
			}
			_, err := store.Append(ctx, "shared", chunk)
			assert.NoError(t, err)
		}(w)
	}

	// readers racing the writers see a prefix, never an error
	for r := 0; r < 10; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			samples, err := store.ReadAll(ctx, "shared")
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(samples), writers*perWriter)
		}()
	}
	wg.Wait()

	samples, err := store.ReadAll(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, samples, writers*perWriter)

	// every chunk landed contiguously
	for start := 0; start < len(samples); start += perWriter {
		for i := start; i < start+perWriter; i++ {
			require.Equal(t, samples[start], samples[i])
		}
	}
}

func TestConcurrentAppends_DistinctIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			for j := 0; j < 10; j++ {
				_, err := store.Append(ctx, id, []float32{float32(j)})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		samples, err := store.ReadAll(ctx, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		require.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, samples)
	}
}

func TestHashRecords_ReportsCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "m1", []float32{1, 2, 3})
	require.NoError(t, err)

	hash, n, err := store.HashRecords(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, hashOneTwoThree, hash)
	assert.Equal(t, int64(3), n)
}

func TestTruncate_RollsBackAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "m1", []float32{1, 2, 3})
	require.NoError(t, err)
	_, err = store.Append(ctx, "m1", []float32{9, 9})
	require.NoError(t, err)

	assert.Zero(t, store.Truncations("m1"))
	require.NoError(t, store.Truncate("m1", 3))
	assert.Equal(t, uint64(1), store.Truncations("m1"))
	assert.Zero(t, store.Truncations("m2"))

	samples, err := store.ReadAll(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, samples)

	hash, err := store.ContentHash(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, hashOneTwoThree, hash)

	// Nothing to roll back for a file that was never created.
	assert.NoError(t, store.Truncate("never", 0))
}

func TestReset_RemovesStaleFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "m1", []float32{4, 5})
	require.NoError(t, err)
	require.NoError(t, store.Reset("m1"))

	n, err := store.Size("m1")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.Reset("m1"), "reset of a missing file is a no-op")
}
