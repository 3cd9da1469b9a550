package config

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/tinysense"
	DefaultRegistry     = RegistryBadger
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Registry backends
const (
	RegistryBadger = "badger"
	RegistrySQLite = "sqlite"
	RegistryMemory = "memory"
)

// Background task intervals
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
	StatsSampleInterval  = 15 * time.Second
)

// Read-side limits
const (
	DefaultListTake = 100
	MinListTake     = 1
	MaxListTake     = 500

	DefaultSeriesPoints = 1000
	MinSeriesPoints     = 10
	MaxSeriesPoints     = 5000
)

// Ingest limits
const (
	DefaultMaxLivePoints = 200
	MinLivePoints        = 10
	IngestTimeout        = 10 * time.Second
	CompleteTimeout      = 2 * time.Minute
	QueryTimeout         = 30 * time.Second
	MaxRequestBodyBytes  = 16 << 20
)

// Agent defaults
const (
	DefaultChunkSize     = 500
	DefaultServerURL     = "http://localhost:8080"
	DefaultFlushInterval = 1 * time.Second
	ClientTimeout        = 30 * time.Second
	ClientMaxRetries     = 3
	ClientRetryBackoff   = 500 * time.Millisecond
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
	WSSendBuffer      = 16 // queued messages per viewer before new ones are dropped
)

// Server timeouts
const (
	ServerReadTimeout  = 15 * time.Second
	ServerWriteTimeout = 2 * time.Minute
	ShutdownTimeout    = 30 * time.Second
)

// Config holds the server configuration resolved from the environment.
type Config struct {
	Port          string
	DataDir       string
	RawDir        string
	Registry      string
	MaxStorageGB  int64
	MaxMemoryMB   int64
	MaxLivePoints int
}

// MaxStorageBytes converts the storage limit to bytes.
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}

// RegistryPath returns where the registry backend keeps its files.
func (c Config) RegistryPath() string {
	if c.Registry == RegistrySQLite {
		return filepath.Join(c.DataDir, "registry.db")
	}
	return filepath.Join(c.DataDir, "registry")
}

// Load reads an optional .env file and then the TINYSENSE_* environment.
// Values already present in the environment win over the .env file.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to read .env file: %v", err)
	}

	dataDir := getEnv("TINYSENSE_DATA_DIR", DefaultDataDir)
	cfg := Config{
		Port:          getPort(),
		DataDir:       dataDir,
		RawDir:        getEnv("TINYSENSE_RAW_DIR", filepath.Join(dataDir, "raw")),
		Registry:      strings.ToLower(getEnv("TINYSENSE_REGISTRY", DefaultRegistry)),
		MaxStorageGB:  getEnvInt64("TINYSENSE_MAX_STORAGE_GB", DefaultMaxStorageGB),
		MaxMemoryMB:   getEnvInt64("TINYSENSE_MAX_MEMORY_MB", DefaultMaxMemoryMB),
		MaxLivePoints: int(getEnvInt64("TINYSENSE_MAX_LIVE_POINTS", DefaultMaxLivePoints)),
	}

	switch cfg.Registry {
	case RegistryBadger, RegistrySQLite, RegistryMemory:
	default:
		log.Printf("Unknown registry %q, using %s", cfg.Registry, DefaultRegistry)
		cfg.Registry = DefaultRegistry
	}
	return cfg
}

// LivePoints returns the point budget for live pushes, never below MinLivePoints.
func LivePoints(n int) int {
	if n < MinLivePoints {
		return MinLivePoints
	}
	return n
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

// getPort prefers TINYSENSE_PORT, then the conventional PORT.
func getPort() string {
	if port := os.Getenv("TINYSENSE_PORT"); port != "" {
		return port
	}
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return DefaultPort
}
