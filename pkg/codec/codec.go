// Package codec converts float32 sample sequences to and from the fixed-width
// little-endian wire format used on disk and in chunk payloads.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// SampleSize is the encoded width of one sample in bytes.
const SampleSize = 4

// EncodingF32LEBase64 is the encoding name devices send alongside base64 payloads.
const EncodingF32LEBase64 = "f32le-base64"

var (
	// ErrInvalidFormat is returned when a payload is not a whole number of samples
	ErrInvalidFormat = errors.New("invalid float32 payload")
)

// Encode serializes samples as 4-byte little-endian IEEE-754 records.
func Encode(samples []float32) []byte {
	buf := make([]byte, len(samples)*SampleSize)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*SampleSize:], math.Float32bits(v))
	}
	return buf
}

// Decode parses a buffer produced by Encode.
func Decode(data []byte) ([]float32, error) {
	if len(data)%SampleSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidFormat, len(data), SampleSize)
	}

	samples := make([]float32, len(data)/SampleSize)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*SampleSize:]))
	}
	return samples, nil
}

// EncodeBase64 wraps Encode for text transports.
func EncodeBase64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Encode(samples))
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]float32, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return Decode(data)
}
