package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a measurement does not exist
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when a create would overwrite an existing record
	ErrExists = errors.New("already exists")
)

// Status is the lifecycle state of a measurement.
type Status string

const (
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Device is a remote sensor hub, created on first reference.
type Device struct {
	ID         string    `json:"deviceId"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdUtc"`
	LastSeenAt time.Time `json:"lastSeenUtc"`
}

// SensorType is identified by (Code, SchemaVersion) and never mutated once stored.
type SensorType struct {
	Code          string    `json:"code"`
	SchemaVersion int       `json:"schemaVersion"`
	Unit          string    `json:"unit,omitempty"`
	Axes          string    `json:"axes,omitempty"`
	CreatedAt     time.Time `json:"createdUtc"`
}

// Measurement is one recording session of a device+sensor pair.
type Measurement struct {
	ID            string            `json:"id"`
	DeviceID      string            `json:"deviceId"`
	SensorCode    string            `json:"sensorType"`
	SchemaVersion int               `json:"schemaVersion"`
	Status        Status            `json:"status"`
	SampleRateHz  float64           `json:"sampleRateHz"`
	Unit          string            `json:"unit"`
	StartTime     time.Time         `json:"startTimeUtc"`
	CompletedAt   *time.Time        `json:"completedUtc,omitempty"`
	SampleCount   int64             `json:"sampleCount"`
	ChunkCount    int64             `json:"chunkCount"`
	RawPath       string            `json:"rawPath"`
	Meta          map[string]string `json:"meta,omitempty"`
	ContentHash   string            `json:"rawSha256,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdUtc"`
}

// Chunk is the dedup/audit record of one accepted chunk.
type Chunk struct {
	MeasurementID string    `json:"measurementId"`
	Index         int       `json:"chunkIndex"`
	SampleCount   int       `json:"sampleCount"`
	SizeBytes     int64     `json:"sizeBytes"`
	SHA256        string    `json:"sha256"`
	ReceivedAt    time.Time `json:"receivedUtc"`
}

// ListRequest filters measurements. Results are ordered newest start time first.
type ListRequest struct {
	// Filter by device id (optional)
	DeviceID string

	// Filter by sensor code (optional)
	SensorCode string

	// Limit number of results (0 = no limit)
	Limit int
}

// Stats provides registry health and usage info
type Stats struct {
	Devices      uint64 `json:"devices"`
	SensorTypes  uint64 `json:"sensorTypes"`
	Measurements uint64 `json:"measurements"`
	InProgress   uint64 `json:"inProgress"`
	Chunks       uint64 `json:"chunks"`

	// Storage size in bytes (0 when the backend cannot tell)
	SizeBytes uint64 `json:"sizeBytes"`
}

// Storage persists the measurement registry.
// Implementations: memory (testing), badger (default), sqlite (relational)
type Storage interface {
	// UpsertDevice creates the device or refreshes its last-seen time
	UpsertDevice(ctx context.Context, id string, seenAt time.Time) (*Device, error)

	// UpsertSensorType returns the stored (code, version) pair, creating it from st
	// when absent. An existing sensor type is returned unchanged.
	UpsertSensorType(ctx context.Context, st SensorType) (*SensorType, error)

	// CreateMeasurement inserts m, failing with ErrExists if the id is taken
	CreateMeasurement(ctx context.Context, m *Measurement) error

	// GetMeasurement returns ErrNotFound for unknown ids
	GetMeasurement(ctx context.Context, id string) (*Measurement, error)

	// UpdateMeasurement overwrites status/completion fields of an existing measurement
	UpdateMeasurement(ctx context.Context, m *Measurement) error

	// ListMeasurements applies the request filters
	ListMeasurements(ctx context.Context, req ListRequest) ([]Measurement, error)

	// GetChunk returns ErrNotFound when (id, index) was never recorded
	GetChunk(ctx context.Context, measurementID string, index int) (*Chunk, error)

	// RecordChunk stores c and the updated counters of m in one transaction,
	// failing with ErrExists if the chunk index is already recorded
	RecordChunk(ctx context.Context, c Chunk, m *Measurement) error

	// ListChunks returns the chunk ledger ordered by index
	ListChunks(ctx context.Context, measurementID string) ([]Chunk, error)

	// Stats returns registry statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Matches reports whether m passes the request filters.
func (r ListRequest) Matches(m *Measurement) bool {
	if r.DeviceID != "" && m.DeviceID != r.DeviceID {
		return false
	}
	if r.SensorCode != "" && m.SensorCode != r.SensorCode {
		return false
	}
	return true
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (m *Measurement) Clone() *Measurement {
	c := *m
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	if m.Meta != nil {
		c.Meta = make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// SortNewestFirst orders by start time descending, then id for a stable listing.
func SortNewestFirst(ms []Measurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].StartTime.Equal(ms[j].StartTime) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].StartTime.After(ms[j].StartTime)
	})
}
