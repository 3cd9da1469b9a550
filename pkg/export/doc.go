// Package export streams the raw samples of a measurement out of the server.
//
// # Supported Formats
//
// CSV Format:
//   - One row per sample with columns index, offsetSeconds, value
//   - offsetSeconds is index divided by the measurement sample rate
//   - Suitable for spreadsheets and analysis scripts
//
// JSON Format:
//   - The measurement record plus the full sample array
//   - Pretty-printed
//
// F32 Format:
//   - The raw file as stored: headerless little-endian float32 records
//
// # HTTP API
//
// Export endpoint: GET /api/measurements/{id}/export
// Query parameters:
//   - format: "csv", "json" or "f32" (default: csv)
//
// Exports of an InProgress measurement contain the samples accepted so far.
package export
