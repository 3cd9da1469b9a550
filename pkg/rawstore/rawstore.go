// Package rawstore keeps one append-only binary file per measurement.
//
// A file is the headerless sequence of 4-byte little-endian float32 records; the
// whole file is the sample stream. Appends to one measurement are serialized,
// appends to different measurements never contend.
package rawstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nicktill/tinysense/pkg/codec"
	"github.com/nicktill/tinysense/pkg/keylock"
)

// FileExtension is appended to the measurement id to form the file name.
const FileExtension = ".f32"

var (
	// ErrStorage wraps every I/O failure surfaced by the store
	ErrStorage = errors.New("raw storage failure")

	// ErrInvalidID is returned for ids that cannot be used as a file name
	ErrInvalidID = errors.New("invalid measurement id for raw storage")
)

// Store is a directory of raw sample files.
type Store struct {
	root  string
	locks *keylock.Map

	// truncations counts rollbacks per id; only ids that were ever truncated appear
	mu          sync.Mutex
	truncations map[string]uint64

	// sync forces an fsync after every append
	sync bool
}

// Config holds raw store configuration
type Config struct {
	// Directory holding the .f32 files (created if missing)
	Path string

	// NoSync skips fsync after each append (tests only)
	NoSync bool
}

// New creates the root directory if needed and returns a store rooted there.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrStorage)
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create raw directory: %v", ErrStorage, err)
	}
	return &Store{
		root:        cfg.Path,
		locks:       keylock.New(),
		truncations: make(map[string]uint64),
		sync:        !cfg.NoSync,
	}, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

// Path returns the file location for a measurement. The file may not exist yet.
func (s *Store) Path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.root, id+FileExtension), nil
}

// Append encodes samples and writes them to the end of the measurement's file.
// The records are written with a single write call while holding the id lock.
func (s *Store) Append(ctx context.Context, id string, samples []float32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := s.Path(id)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}

	data := codec.Encode(samples)

	unlock := s.locks.Lock(id)
	defer unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, fmt.Errorf("%w: write %s: %v", ErrStorage, path, err)
	}
	if s.sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return 0, fmt.Errorf("%w: sync %s: %v", ErrStorage, path, err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("%w: close %s: %v", ErrStorage, path, err)
	}

	return len(samples), nil
}

// ReadAll returns every complete record currently on disk. A record still being
// written by a concurrent Append is left out, so callers always see a prefix.
func (s *Store) ReadAll(ctx context.Context, id string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []float32{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}

	data = data[:len(data)-len(data)%codec.SampleSize]
	return codec.Decode(data)
}

// Open returns a reader over the complete records currently on disk and their
// byte length. The caller must close the reader.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	path, err := s.Path(id)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return io.NopCloser(strings.NewReader("")), 0, nil
		}
		return nil, 0, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: stat %s: %v", ErrStorage, path, err)
	}

	size := info.Size() - info.Size()%codec.SampleSize
	return &limitedFile{Reader: io.LimitReader(f, size), f: f}, size, nil
}

// ContentHash streams the whole file through SHA-256 and returns the lowercase
// hex digest, or "" when nothing was stored yet.
func (s *Store) ContentHash(ctx context.Context, id string) (string, error) {
	hash, _, err := s.HashRecords(ctx, id)
	return hash, err
}

// HashRecords is ContentHash that also reports how many records were hashed,
// so callers hashing without the id lock can tell whether appends raced them.
func (s *Store) HashRecords(ctx context.Context, id string) (string, int64, error) {
	rc, size, err := s.Open(ctx, id)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	if size == 0 {
		return "", 0, nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: rc}); err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("%w: hash %s: %v", ErrStorage, id, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size / codec.SampleSize, nil
}

// Truncate cuts the file back to the given number of records. Used to roll back
// an append whose ledger entry could not be written.
func (s *Store) Truncate(id string, records int64) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := os.Truncate(path, records*codec.SampleSize); err != nil {
		if errors.Is(err, os.ErrNotExist) && records == 0 {
			return nil
		}
		return fmt.Errorf("%w: truncate %s: %v", ErrStorage, path, err)
	}

	s.mu.Lock()
	s.truncations[id]++
	s.mu.Unlock()
	return nil
}

// Truncations returns how many times id was truncated. Between two equal
// readings the file only grew, so any prefix read in between is unchanged.
func (s *Store) Truncations(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncations[id]
}

// Reset removes any file left at the measurement's location so it starts empty.
func (s *Store) Reset(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, path, err)
	}
	return nil
}

// Size returns the number of complete records stored for id.
func (s *Store) Size(id string) (int64, error) {
	path, err := s.Path(id)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: stat %s: %v", ErrStorage, path, err)
	}
	return info.Size() / codec.SampleSize, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}

// ctxReader aborts long hashes when the request goes away.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
