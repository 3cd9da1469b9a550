package monitor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultCacheDuration bounds how often the directories are rescanned
const DefaultCacheDuration = 10 * time.Second

// StorageMonitor tracks disk usage of the data directories with caching to
// avoid a filesystem walk on every chunk.
type StorageMonitor struct {
	dirs          []string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a monitor over dirs. Directories nested inside
// another listed directory are counted once.
func NewStorageMonitor(maxBytes int64, dirs ...string) *StorageMonitor {
	return &StorageMonitor{
		dirs:          dedupDirs(dirs),
		maxBytes:      maxBytes,
		cacheDuration: DefaultCacheDuration,
	}
}

// SetCacheDuration overrides the rescan interval. Zero disables caching.
func (sm *StorageMonitor) SetCacheDuration(d time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cacheDuration = d
	sm.lastCheck = time.Time{}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	var total int64
	for _, dir := range sm.dirs {
		usage, err := calculateDirSize(dir)
		if err != nil {
			return 0, err
		}
		total += usage
	}

	sm.cachedUsage = total
	sm.lastCheck = time.Now()
	return total, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// dedupDirs drops duplicates and directories contained in another entry.
func dedupDirs(dirs []string) []string {
	cleaned := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		cleaned = append(cleaned, filepath.Clean(d))
	}
	// Parents sort before their children
	sort.Slice(cleaned, func(i, j int) bool { return len(cleaned[i]) < len(cleaned[j]) })

	var out []string
	for _, d := range cleaned {
		if !within(d, out) {
			out = append(out, d)
		}
	}
	return out
}

func within(dir string, parents []string) bool {
	for _, p := range parents {
		rel, err := filepath.Rel(p, dir)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// calculateDirSize recursively calculates directory size in bytes.
// Uses actual disk usage (not logical size) to handle sparse files correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API
