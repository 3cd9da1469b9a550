package pipeline

import (
	"fmt"
)

// Identifier and metadata limits for new measurements
const (
	MaxIDLength        = 128  // deviceId and sensorType
	MaxUnitLength      = 32   // unit label
	MaxMetaEntries     = 32   // meta key/value pairs
	MaxMetaKeyLength   = 64   // meta key
	MaxMetaValueLength = 1024 // meta value
)

// validateStart checks the free-form fields of a start request against the
// limits above. Required fields are checked by Start itself.
func validateStart(deviceID, sensorCode string, req StartRequest) error {
	if len(deviceID) > MaxIDLength {
		return fmt.Errorf("%w: deviceId has %d chars (max %d)", ErrInvalidInput, len(deviceID), MaxIDLength)
	}
	if len(sensorCode) > MaxIDLength {
		return fmt.Errorf("%w: sensorType has %d chars (max %d)", ErrInvalidInput, len(sensorCode), MaxIDLength)
	}
	if len(req.Unit) > MaxUnitLength {
		return fmt.Errorf("%w: unit has %d chars (max %d)", ErrInvalidInput, len(req.Unit), MaxUnitLength)
	}

	if len(req.Meta) > MaxMetaEntries {
		return fmt.Errorf("%w: meta has %d entries (max %d)", ErrInvalidInput, len(req.Meta), MaxMetaEntries)
	}
	for k, v := range req.Meta {
		if k == "" {
			return fmt.Errorf("%w: meta keys cannot be empty", ErrInvalidInput)
		}
		if len(k) > MaxMetaKeyLength {
			return fmt.Errorf("%w: meta key %q too long (max %d chars)", ErrInvalidInput, k, MaxMetaKeyLength)
		}
		if len(v) > MaxMetaValueLength {
			return fmt.Errorf("%w: meta value for %q too long (max %d chars)", ErrInvalidInput, k, MaxMetaValueLength)
		}
	}
	return nil
}
