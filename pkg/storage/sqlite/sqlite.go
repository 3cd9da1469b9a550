// Package sqlite implements the registry on SQLite through GORM, for
// deployments that want to inspect measurements with plain SQL.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/nicktill/tinysense/pkg/storage"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type deviceRow struct {
	ID         string `gorm:"primaryKey;size:100"`
	Name       string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

func (deviceRow) TableName() string { return "devices" }

type sensorTypeRow struct {
	Code          string `gorm:"primaryKey;size:50"`
	SchemaVersion int    `gorm:"primaryKey"`
	Unit          string `gorm:"size:20"`
	Axes          string
	CreatedAt     time.Time
}

func (sensorTypeRow) TableName() string { return "sensor_types" }

type measurementRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	DeviceID      string `gorm:"index;size:100"`
	SensorCode    string `gorm:"index;size:50"`
	SchemaVersion int
	Status        string `gorm:"size:20"`
	SampleRateHz  float64
	Unit          string `gorm:"size:20"`
	StartTime     time.Time `gorm:"index"`
	CompletedAt   *time.Time
	SampleCount   int64
	ChunkCount    int64
	RawPath       string `gorm:"size:300"`
	MetaJSON      string
	ContentHash   string `gorm:"size:64"`
	FailureReason string
	CreatedAt     time.Time
}

func (measurementRow) TableName() string { return "measurements" }

type chunkRow struct {
	MeasurementID string `gorm:"primaryKey;size:64"`
	ChunkIndex    int    `gorm:"primaryKey"`
	SampleCount   int
	SizeBytes     int64
	SHA256        string `gorm:"column:sha256;size:64"`
	ReceivedAt    time.Time
}

func (chunkRow) TableName() string { return "measurement_chunks" }

// Config holds SQLite configuration
type Config struct {
	// Path to the database file, or MemoryPath
	Path string
}

// Storage implements storage.Storage on SQLite
type Storage struct {
	db *gorm.DB
}

// New opens (creating if needed) the database and migrates the schema.
func New(cfg Config) (*Storage, error) {
	dsn := cfg.Path
	if dsn == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dsn != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases
	// from splitting into one database per connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&deviceRow{}, &sensorTypeRow{}, &measurementRow{}, &chunkRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// UpsertDevice creates the device or refreshes its last-seen time
func (s *Storage) UpsertDevice(ctx context.Context, id string, seenAt time.Time) (*storage.Device, error) {
	row := deviceRow{ID: id, CreatedAt: seenAt, LastSeenAt: seenAt}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device %s: %w", id, err)
	}

	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", id, err)
	}
	return &storage.Device{
		ID:         row.ID,
		Name:       row.Name,
		CreatedAt:  row.CreatedAt,
		LastSeenAt: row.LastSeenAt,
	}, nil
}

// UpsertSensorType returns the stored sensor type, creating it when absent
func (s *Storage) UpsertSensorType(ctx context.Context, st storage.SensorType) (*storage.SensorType, error) {
	row := sensorTypeRow{
		Code:          st.Code,
		SchemaVersion: st.SchemaVersion,
		Unit:          st.Unit,
		Axes:          st.Axes,
		CreatedAt:     st.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert sensor type %s/v%d: %w", st.Code, st.SchemaVersion, err)
	}

	var stored sensorTypeRow
	err = s.db.WithContext(ctx).
		Where("code = ? AND schema_version = ?", st.Code, st.SchemaVersion).
		First(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sensor type %s/v%d: %w", st.Code, st.SchemaVersion, err)
	}
	return &storage.SensorType{
		Code:          stored.Code,
		SchemaVersion: stored.SchemaVersion,
		Unit:          stored.Unit,
		Axes:          stored.Axes,
		CreatedAt:     stored.CreatedAt,
	}, nil
}

// CreateMeasurement inserts a new measurement
func (s *Storage) CreateMeasurement(ctx context.Context, m *storage.Measurement) error {
	row, err := toRow(m)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&measurementRow{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrExists)
		}
		return tx.Create(row).Error
	})
}

// GetMeasurement loads one measurement
func (s *Storage) GetMeasurement(ctx context.Context, id string) (*storage.Measurement, error) {
	var row measurementRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("measurement %s: %w", id, storage.ErrNotFound)
		}
		return nil, err
	}
	return fromRow(&row)
}

// UpdateMeasurement overwrites an existing measurement
func (s *Storage) UpdateMeasurement(ctx context.Context, m *storage.Measurement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateRow(tx, m)
	})
}

// ListMeasurements applies filters in SQL
func (s *Storage) ListMeasurements(ctx context.Context, req storage.ListRequest) ([]storage.Measurement, error) {
	q := s.db.WithContext(ctx).Model(&measurementRow{})
	if req.DeviceID != "" {
		q = q.Where("device_id = ?", req.DeviceID)
	}
	if req.SensorCode != "" {
		q = q.Where("sensor_code = ?", req.SensorCode)
	}
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}

	var rows []measurementRow
	if err := q.Order("start_time DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}

	results := make([]storage.Measurement, 0, len(rows))
	for i := range rows {
		m, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, nil
}

// GetChunk looks up one ledger entry
func (s *Storage) GetChunk(ctx context.Context, measurementID string, index int) (*storage.Chunk, error) {
	var row chunkRow
	err := s.db.WithContext(ctx).
		Where("measurement_id = ? AND chunk_index = ?", measurementID, index).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("chunk %s/%d: %w", measurementID, index, storage.ErrNotFound)
		}
		return nil, err
	}
	c := fromChunkRow(row)
	return &c, nil
}

// RecordChunk inserts the chunk and updates the counters in one transaction
func (s *Storage) RecordChunk(ctx context.Context, c storage.Chunk, m *storage.Measurement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&chunkRow{}).
			Where("measurement_id = ? AND chunk_index = ?", c.MeasurementID, c.Index).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("chunk %s/%d: %w", c.MeasurementID, c.Index, storage.ErrExists)
		}

		if err := updateRow(tx, m); err != nil {
			return err
		}
		return tx.Create(&chunkRow{
			MeasurementID: c.MeasurementID,
			ChunkIndex:    c.Index,
			SampleCount:   c.SampleCount,
			SizeBytes:     c.SizeBytes,
			SHA256:        c.SHA256,
			ReceivedAt:    c.ReceivedAt,
		}).Error
	})
}

// ListChunks returns the ledger ordered by index
func (s *Storage) ListChunks(ctx context.Context, measurementID string) ([]storage.Chunk, error) {
	var rows []chunkRow
	err := s.db.WithContext(ctx).
		Where("measurement_id = ?", measurementID).
		Order("chunk_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	results := make([]storage.Chunk, 0, len(rows))
	for _, row := range rows {
		results = append(results, fromChunkRow(row))
	}
	return results, nil
}

// Stats counts rows per table
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	db := s.db.WithContext(ctx)
	var devices, sensors, measurements, inProgress, chunks int64

	if err := db.Model(&deviceRow{}).Count(&devices).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&sensorTypeRow{}).Count(&sensors).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&measurementRow{}).Count(&measurements).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&measurementRow{}).Where("status = ?", string(storage.StatusInProgress)).Count(&inProgress).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&chunkRow{}).Count(&chunks).Error; err != nil {
		return nil, err
	}

	return &storage.Stats{
		Devices:      uint64(devices),
		SensorTypes:  uint64(sensors),
		Measurements: uint64(measurements),
		InProgress:   uint64(inProgress),
		Chunks:       uint64(chunks),
	}, nil
}

// Close releases the underlying connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func updateRow(tx *gorm.DB, m *storage.Measurement) error {
	row, err := toRow(m)
	if err != nil {
		return err
	}
	res := tx.Model(&measurementRow{}).Where("id = ?", m.ID).Select("*").Omit("id").Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("measurement %s: %w", m.ID, storage.ErrNotFound)
	}
	return nil
}

func toRow(m *storage.Measurement) (*measurementRow, error) {
	var meta string
	if len(m.Meta) > 0 {
		data, err := json.Marshal(m.Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode meta: %w", err)
		}
		meta = string(data)
	}
	return &measurementRow{
		ID:            m.ID,
		DeviceID:      m.DeviceID,
		SensorCode:    m.SensorCode,
		SchemaVersion: m.SchemaVersion,
		Status:        string(m.Status),
		SampleRateHz:  m.SampleRateHz,
		Unit:          m.Unit,
		StartTime:     m.StartTime,
		CompletedAt:   m.CompletedAt,
		SampleCount:   m.SampleCount,
		ChunkCount:    m.ChunkCount,
		RawPath:       m.RawPath,
		MetaJSON:      meta,
		ContentHash:   m.ContentHash,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
	}, nil
}

func fromRow(row *measurementRow) (*storage.Measurement, error) {
	m := &storage.Measurement{
		ID:            row.ID,
		DeviceID:      row.DeviceID,
		SensorCode:    row.SensorCode,
		SchemaVersion: row.SchemaVersion,
		Status:        storage.Status(row.Status),
		SampleRateHz:  row.SampleRateHz,
		Unit:          row.Unit,
		StartTime:     row.StartTime,
		CompletedAt:   row.CompletedAt,
		SampleCount:   row.SampleCount,
		ChunkCount:    row.ChunkCount,
		RawPath:       row.RawPath,
		ContentHash:   row.ContentHash,
		FailureReason: row.FailureReason,
		CreatedAt:     row.CreatedAt,
	}
	if row.MetaJSON != "" {
		if err := json.Unmarshal([]byte(row.MetaJSON), &m.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode meta for %s: %w", row.ID, err)
		}
	}
	return m, nil
}

func fromChunkRow(row chunkRow) storage.Chunk {
	return storage.Chunk{
		MeasurementID: row.MeasurementID,
		Index:         row.ChunkIndex,
		SampleCount:   row.SampleCount,
		SizeBytes:     row.SizeBytes,
		SHA256:        row.SHA256,
		ReceivedAt:    row.ReceivedAt,
	}
}
