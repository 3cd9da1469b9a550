// Package pipeline owns the measurement lifecycle and chunk ingestion.
//
// Every mutation of a measurement runs under a per-measurement lock, so the
// duplicate check, the raw append, the counter update and the ledger write of
// one chunk form a single critical section. Different measurements never share
// a lock.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/tinysense/pkg/codec"
	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/decimate"
	"github.com/nicktill/tinysense/pkg/keylock"
	"github.com/nicktill/tinysense/pkg/rawstore"
	"github.com/nicktill/tinysense/pkg/storage"
)

// Broadcaster delivers live messages to viewers.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg interface{}) error
}

// StorageChecker reports raw storage usage against its limit.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Options configures a Service.
type Options struct {
	// MaxLivePoints is the decimation budget for live pushes (floored at config.MinLivePoints)
	MaxLivePoints int

	// StorageChecker rejects new chunks once the raw directory is full (optional)
	StorageChecker StorageChecker

	// Registerer receives the ingest metrics (optional)
	Registerer prometheus.Registerer
}

// Service implements the ingestion pipeline and the read side.
type Service struct {
	store      storage.Storage
	raw        *rawstore.Store
	hub        Broadcaster
	checker    StorageChecker
	locks      *keylock.Map
	metrics    *Metrics
	livePoints int
	now        func() time.Time

	// afterHash runs between the unlocked hash and the locked commit in Complete
	afterHash func(id string)
}

// New wires a Service. hub may be nil when nobody watches live.
func New(store storage.Storage, raw *rawstore.Store, hub Broadcaster, opts Options) *Service {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if opts.MaxLivePoints == 0 {
		opts.MaxLivePoints = config.DefaultMaxLivePoints
	}

	return &Service{
		store:      store,
		raw:        raw,
		hub:        hub,
		checker:    opts.StorageChecker,
		locks:      keylock.New(),
		metrics:    NewMetrics(reg),
		livePoints: config.LivePoints(opts.MaxLivePoints),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start creates a measurement in InProgress with zero counts.
func (s *Service) Start(ctx context.Context, req StartRequest) (*storage.Measurement, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	sensorCode := strings.TrimSpace(req.SensorCode)
	if deviceID == "" || sensorCode == "" {
		return nil, fmt.Errorf("%w: deviceId and sensorType are required", ErrInvalidInput)
	}
	if err := validateStart(deviceID, sensorCode, req); err != nil {
		return nil, err
	}

	version := req.SchemaVersion
	if version == 0 {
		version = 1
	}
	if version < 0 {
		return nil, fmt.Errorf("%w: schemaVersion must be positive", ErrInvalidInput)
	}

	rate := req.SampleRateHz
	if rate == 0 {
		rate = 1
	}
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("%w: sampleRateHz must be a positive number", ErrInvalidInput)
	}

	id := req.MeasurementID
	if id == "" {
		id = uuid.NewString()
	} else {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: measurementId must be a UUID: %v", ErrInvalidInput, err)
		}
		id = parsed.String()
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	// A rejected start must not touch devices or sensor types.
	if _, err := s.store.GetMeasurement(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: measurement %s already exists", ErrConflict, id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	now := s.now()
	if _, err := s.store.UpsertDevice(ctx, deviceID, now); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	sensor, err := s.store.UpsertSensorType(ctx, storage.SensorType{
		Code:          sensorCode,
		SchemaVersion: version,
		Unit:          req.Unit,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	rawPath, err := s.raw.Path(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := s.raw.Reset(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	unit := req.Unit
	if unit == "" {
		unit = sensor.Unit
	}
	startTime := now
	if req.StartTime != nil && !req.StartTime.IsZero() {
		startTime = req.StartTime.UTC()
	}

	m := &storage.Measurement{
		ID:            id,
		DeviceID:      deviceID,
		SensorCode:    sensorCode,
		SchemaVersion: version,
		Status:        storage.StatusInProgress,
		SampleRateHz:  rate,
		Unit:          unit,
		StartTime:     startTime,
		RawPath:       rawPath,
		Meta:          req.Meta,
		CreatedAt:     now,
	}
	if err := s.store.CreateMeasurement(ctx, m); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, fmt.Errorf("%w: measurement %s already exists", ErrConflict, id)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.metrics.event("started")
	log.Printf("Measurement %s started (device=%s sensor=%s/v%d rate=%gHz)", id, deviceID, sensorCode, version, rate)
	return m, nil
}

// AcceptChunk appends one chunk. Replaying a chunk index is a successful no-op.
func (s *Service) AcceptChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	if req.MeasurementID == "" {
		s.metrics.chunk("rejected")
		return nil, fmt.Errorf("%w: measurementId is required", ErrInvalidInput)
	}
	if req.ChunkIndex < 0 {
		s.metrics.chunk("rejected")
		return nil, fmt.Errorf("%w: chunkIndex must not be negative", ErrInvalidInput)
	}

	start := time.Now()
	result, samples, err := s.acceptLocked(ctx, req)
	if err != nil {
		s.metrics.chunk("rejected")
		return nil, err
	}
	if result.Duplicate {
		s.metrics.chunk("duplicate")
		log.Printf("Duplicate chunk %d for measurement %s ignored", req.ChunkIndex, req.MeasurementID)
		return result, nil
	}

	s.metrics.chunk("accepted")
	s.metrics.samples.Add(float64(len(samples)))
	s.metrics.chunkLatency.Observe(time.Since(start).Seconds())

	// Broadcast outside the lock so a slow viewer never holds up the next chunk.
	if s.hub != nil {
		msg := LiveMessage{
			MeasurementID: req.MeasurementID,
			ChunkIndex:    req.ChunkIndex,
			Points:        decimate.MinMax(samples, s.livePoints),
		}
		if err := s.hub.Broadcast(ctx, msg); err != nil {
			log.Printf("Live broadcast for measurement %s chunk %d failed: %v", req.MeasurementID, req.ChunkIndex, err)
		}
	}
	return result, nil
}

func (s *Service) acceptLocked(ctx context.Context, req ChunkRequest) (*ChunkResult, []float32, error) {
	id := req.MeasurementID
	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.getMeasurement(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if m.Status != storage.StatusInProgress {
		return nil, nil, fmt.Errorf("%w: measurement %s is %s and not accepting chunks", ErrConflict, id, m.Status)
	}

	samples, err := decodePayload(req)
	if err != nil {
		return nil, nil, err
	}

	if _, err := s.store.GetChunk(ctx, id, req.ChunkIndex); err == nil {
		return &ChunkResult{
			Accepted:    true,
			Duplicate:   true,
			SampleCount: m.SampleCount,
			Message:     "Duplicate chunk",
		}, nil, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if err := s.checkStorage(); err != nil {
		return nil, nil, err
	}

	before, err := s.raw.Size(id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	n, err := s.raw.Append(ctx, id, samples)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	data := codec.Encode(samples)
	sum := sha256.Sum256(data)
	chunk := storage.Chunk{
		MeasurementID: id,
		Index:         req.ChunkIndex,
		SampleCount:   n,
		SizeBytes:     int64(len(data)),
		SHA256:        hex.EncodeToString(sum[:]),
		ReceivedAt:    s.now(),
	}
	m.SampleCount += int64(n)
	m.ChunkCount++

	// Once the bytes are on disk the ledger write runs to completion, so a
	// rollback only follows a write that really failed.
	if err := s.store.RecordChunk(context.WithoutCancel(ctx), chunk, m); err != nil {
		// Counters never move without their bytes, and bytes never stay without their ledger entry.
		if terr := s.raw.Truncate(id, before); terr != nil {
			log.Printf("Failed to roll back raw append for measurement %s chunk %d: %v", id, req.ChunkIndex, terr)
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return &ChunkResult{Accepted: true, SampleCount: m.SampleCount}, samples, nil
}

// Complete hashes the raw stream and closes the measurement. Completing twice
// returns the stored result.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	id := req.MeasurementID
	if id == "" {
		return nil, fmt.Errorf("%w: measurementId is required", ErrInvalidInput)
	}

	m, err := s.getMeasurement(ctx, id)
	if err != nil {
		return nil, err
	}
	if done, err := terminalResult(m); done != nil || err != nil {
		return done, err
	}

	// Hash without the lock; chunks may still arrive meanwhile. Appends only
	// extend the file, so the hashed prefix stays valid unless a rollback
	// truncated it before the lock is taken.
	truncations := s.raw.Truncations(id)
	hash, hashed, err := s.raw.HashRecords(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if s.afterHash != nil {
		s.afterHash(id)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	m, err = s.getMeasurement(ctx, id)
	if err != nil {
		return nil, err
	}
	if done, err := terminalResult(m); done != nil || err != nil {
		return done, err
	}
	if hashed != m.SampleCount || s.raw.Truncations(id) != truncations {
		log.Printf("Measurement %s changed while hashing (%d vs %d samples), rehashing", id, hashed, m.SampleCount)
		if hash, _, err = s.raw.HashRecords(ctx, id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}

	mismatch := (req.TotalChunks > 0 && req.TotalChunks != m.ChunkCount) ||
		(req.SampleCount > 0 && req.SampleCount != m.SampleCount)
	if mismatch {
		s.metrics.mismatches.Inc()
		log.Printf("Measurement %s completed with mismatched totals: reported %d chunks/%d samples, stored %d/%d",
			id, req.TotalChunks, req.SampleCount, m.ChunkCount, m.SampleCount)
	}

	completedAt := s.now()
	m.Status = storage.StatusCompleted
	m.CompletedAt = &completedAt
	m.ContentHash = hash
	if err := s.store.UpdateMeasurement(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.metrics.event("completed")
	log.Printf("Measurement %s completed (%d samples in %d chunks, sha256=%s)", id, m.SampleCount, m.ChunkCount, hash)
	return &CompleteResult{Status: string(m.Status), SHA256: hash, Mismatch: mismatch}, nil
}

// Fail moves an InProgress measurement to Failed.
func (s *Service) Fail(ctx context.Context, req FailRequest) (*storage.Measurement, error) {
	id := req.MeasurementID
	if id == "" {
		return nil, fmt.Errorf("%w: measurementId is required", ErrInvalidInput)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.getMeasurement(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != storage.StatusInProgress {
		return nil, fmt.Errorf("%w: measurement %s is already %s", ErrConflict, id, m.Status)
	}

	completedAt := s.now()
	m.Status = storage.StatusFailed
	m.CompletedAt = &completedAt
	m.FailureReason = req.Reason
	if err := s.store.UpdateMeasurement(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.metrics.event("failed")
	log.Printf("Measurement %s failed: %s", id, req.Reason)
	return m, nil
}

// Get returns one measurement.
func (s *Service) Get(ctx context.Context, id string) (*storage.Measurement, error) {
	return s.getMeasurement(ctx, id)
}

// List returns measurements newest first. take is clamped to the list limits;
// zero means the default.
func (s *Service) List(ctx context.Context, deviceID, sensorCode string, take int) ([]storage.Measurement, error) {
	if take == 0 {
		take = config.DefaultListTake
	}
	results, err := s.store.ListMeasurements(ctx, storage.ListRequest{
		DeviceID:   deviceID,
		SensorCode: sensorCode,
		Limit:      config.Clamp(take, config.MinListTake, config.MaxListTake),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return results, nil
}

// Series decimates the whole stored stream. maxPoints is clamped to the series
// limits; zero means the default.
func (s *Service) Series(ctx context.Context, id string, maxPoints int) (*Series, error) {
	m, err := s.getMeasurement(ctx, id)
	if err != nil {
		return nil, err
	}

	if maxPoints == 0 {
		maxPoints = config.DefaultSeriesPoints
	}
	maxPoints = config.Clamp(maxPoints, config.MinSeriesPoints, config.MaxSeriesPoints)

	samples, err := s.raw.ReadAll(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return &Series{
		MeasurementID: m.ID,
		SampleRateHz:  m.SampleRateHz,
		Points:        decimate.MinMax(samples, maxPoints),
	}, nil
}

// Chunks returns the chunk ledger of a measurement.
func (s *Service) Chunks(ctx context.Context, id string) ([]storage.Chunk, error) {
	if _, err := s.getMeasurement(ctx, id); err != nil {
		return nil, err
	}
	chunks, err := s.store.ListChunks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return chunks, nil
}

// Samples returns the raw samples of a measurement for export.
func (s *Service) Samples(ctx context.Context, id string) (*storage.Measurement, []float32, error) {
	m, err := s.getMeasurement(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	samples, err := s.raw.ReadAll(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return m, samples, nil
}

// OpenRaw returns the measurement and a reader over its raw file. The caller
// closes the reader.
func (s *Service) OpenRaw(ctx context.Context, id string) (*storage.Measurement, io.ReadCloser, int64, error) {
	m, err := s.getMeasurement(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}
	rc, size, err := s.raw.Open(ctx, id)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return m, rc, size, nil
}

// Stats returns registry statistics.
func (s *Service) Stats(ctx context.Context) (*storage.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return stats, nil
}

func (s *Service) getMeasurement(ctx context.Context, id string) (*storage.Measurement, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: measurementId is required", ErrInvalidInput)
	}
	m, err := s.store.GetMeasurement(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return m, nil
}

func (s *Service) checkStorage() error {
	if s.checker == nil || s.checker.GetLimit() <= 0 {
		return nil
	}
	usage, err := s.checker.GetUsage()
	if err != nil {
		// Usage is advisory; an unreadable directory will fail the append anyway.
		log.Printf("Failed to check storage usage: %v", err)
		return nil
	}
	if usage >= s.checker.GetLimit() {
		return fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, usage, s.checker.GetLimit())
	}
	return nil
}

// terminalResult handles Complete on a measurement that is no longer open.
func terminalResult(m *storage.Measurement) (*CompleteResult, error) {
	switch m.Status {
	case storage.StatusCompleted:
		return &CompleteResult{Status: string(m.Status), SHA256: m.ContentHash}, nil
	case storage.StatusFailed:
		return nil, fmt.Errorf("%w: measurement %s has failed", ErrConflict, m.ID)
	}
	return nil, nil
}

func decodePayload(req ChunkRequest) ([]float32, error) {
	if len(req.Samples) > 0 {
		return req.Samples, checkFinite(req.Samples)
	}
	if strings.TrimSpace(req.DataBase64) == "" {
		return nil, fmt.Errorf("%w: samples or dataBase64 payload is required", ErrInvalidInput)
	}
	if req.Encoding != "" && !strings.EqualFold(req.Encoding, codec.EncodingF32LEBase64) {
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrInvalidInput, req.Encoding)
	}

	samples, err := codec.DecodeBase64(req.DataBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: payload holds no samples", ErrInvalidInput)
	}
	return samples, checkFinite(samples)
}

// checkFinite rejects NaN and infinite samples, which JSON cannot carry to viewers.
func checkFinite(samples []float32) error {
	for i, v := range samples {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: sample %d is not a finite number", ErrInvalidInput, i)
		}
	}
	return nil
}
