package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tinysense/pkg/codec"
	"github.com/nicktill/tinysense/pkg/storage"
)

// Supported export formats
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatF32  = "f32"
)

// ExportResult contains stats about the export
type ExportResult struct {
	MeasurementID   string    `json:"measurementId"`
	SamplesExported int64     `json:"samplesExported"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exportedUtc"`
}

// WriteCSV streams raw f32 records from r as CSV rows to w.
func WriteCSV(w io.Writer, m *storage.Measurement, r io.Reader) (*ExportResult, error) {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"index", "offsetSeconds", "value"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	rate := m.SampleRateHz
	if rate <= 0 {
		rate = 1
	}

	br := bufio.NewReader(r)
	record := make([]byte, codec.SampleSize)
	var n int64
	for {
		if _, err := io.ReadFull(br, record); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("failed to read samples: %w", err)
		}
		samples, err := codec.Decode(record)
		if err != nil {
			return nil, err
		}
		row := []string{
			strconv.FormatInt(n, 10),
			strconv.FormatFloat(float64(n)/rate, 'f', -1, 64),
			strconv.FormatFloat(float64(samples[0]), 'g', -1, 32),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
		n++
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		MeasurementID:   m.ID,
		SamplesExported: n,
		Format:          FormatCSV,
		ExportedAt:      time.Now().UTC(),
	}, nil
}

// WriteJSON writes the measurement and all of its samples as one document.
func WriteJSON(w io.Writer, m *storage.Measurement, r io.Reader) (*ExportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	samples, err := codec.Decode(data[:len(data)-len(data)%codec.SampleSize])
	if err != nil {
		return nil, err
	}

	doc := struct {
		Measurement *storage.Measurement `json:"measurement"`
		Samples     []float32            `json:"samples"`
	}{
		Measurement: m,
		Samples:     samples,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		MeasurementID:   m.ID,
		SamplesExported: int64(len(samples)),
		Format:          FormatJSON,
		ExportedAt:      time.Now().UTC(),
	}, nil
}

// WriteF32 copies the raw records unchanged.
func WriteF32(w io.Writer, m *storage.Measurement, r io.Reader) (*ExportResult, error) {
	n, err := io.Copy(w, r)
	if err != nil {
		return nil, fmt.Errorf("failed to copy samples: %w", err)
	}
	return &ExportResult{
		MeasurementID:   m.ID,
		SamplesExported: n / codec.SampleSize,
		Format:          FormatF32,
		ExportedAt:      time.Now().UTC(),
	}, nil
}
