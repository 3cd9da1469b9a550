package pipeline

import (
	"errors"
	"time"

	"github.com/nicktill/tinysense/pkg/decimate"
)

var (
	// ErrInvalidInput is returned for malformed or missing request fields
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when the measurement id is unknown
	ErrNotFound = errors.New("measurement not found")

	// ErrConflict is returned for duplicate ids and writes to a closed measurement
	ErrConflict = errors.New("conflict")

	// ErrStorage wraps registry and raw store failures
	ErrStorage = errors.New("storage failure")

	// ErrStorageFull is returned when the raw data directory is over its limit
	ErrStorageFull = errors.New("storage limit exceeded")
)

// StartRequest opens a measurement.
type StartRequest struct {
	DeviceID      string            `json:"deviceId"`
	SensorCode    string            `json:"sensorType"`
	SchemaVersion int               `json:"schemaVersion"`
	SampleRateHz  float64           `json:"sampleRateHz"`
	Unit          string            `json:"unit,omitempty"`
	StartTime     *time.Time        `json:"startTimeUtc,omitempty"`
	MeasurementID string            `json:"measurementId,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// StartResponse is returned by the start endpoint.
type StartResponse struct {
	MeasurementID string `json:"measurementId"`
	Status        string `json:"status"`
}

// ChunkRequest carries one batch of samples, either as numbers or as an
// encoded byte string.
type ChunkRequest struct {
	MeasurementID string    `json:"measurementId"`
	ChunkIndex    int       `json:"chunkIndex"`
	TotalChunks   int       `json:"totalChunks"`
	Encoding      string    `json:"encoding,omitempty"`
	DataBase64    string    `json:"dataBase64,omitempty"`
	Samples       []float32 `json:"samples,omitempty"`
}

// ChunkResult reports what happened to a chunk.
type ChunkResult struct {
	Accepted    bool   `json:"accepted"`
	Duplicate   bool   `json:"duplicate"`
	SampleCount int64  `json:"sampleCount"`
	Message     string `json:"message,omitempty"`
}

// CompleteRequest closes a measurement. The totals are informational.
type CompleteRequest struct {
	MeasurementID string `json:"measurementId"`
	TotalChunks   int64  `json:"totalChunks"`
	SampleCount   int64  `json:"sampleCount"`
}

// CompleteResult carries the final status and content hash.
type CompleteResult struct {
	Status   string `json:"status"`
	SHA256   string `json:"sha256"`
	Mismatch bool   `json:"mismatch,omitempty"`
}

// FailRequest marks a measurement as failed.
type FailRequest struct {
	MeasurementID string `json:"measurementId"`
	Reason        string `json:"reason,omitempty"`
}

// LiveMessage is pushed to viewers for every accepted chunk.
type LiveMessage struct {
	MeasurementID string                 `json:"measurementId"`
	ChunkIndex    int                    `json:"chunkIndex"`
	Points        []decimate.SeriesPoint `json:"points"`
}

// Series is a decimated view of a whole measurement.
type Series struct {
	MeasurementID string                 `json:"measurementId"`
	SampleRateHz  float64                `json:"sampleRateHz"`
	Points        []decimate.SeriesPoint `json:"points"`
}
