package nfc

import (
	"errors"
	"time"
)

// Constants for card sessions
const (
	DefaultTimeout    = 5 * time.Second
	AcquirePollDelay  = 250 * time.Millisecond
	DeviceEnumRetries = 3 // Number of retries for reader enumeration
	MaxFrameSize      = 261
	MaxPayloadSize    = 42 // Demo file payload limit
)

// Sentinel errors for device operations
var (
	// ErrTimeout indicates a timeout occurred during device communication
	ErrTimeout = errors.New("device operation timed out")

	// ErrDeviceClosed indicates the device connection was closed
	ErrDeviceClosed = errors.New("device closed")

	// ErrNoTag indicates no DESFire tag is in the field
	ErrNoTag = errors.New("no DESFire tag present")

	// ErrNotAcquired indicates Transceive was called without an acquired session
	ErrNotAcquired = errors.New("session not acquired")
)

// noCardError is returned when attempting to connect to a reader with no card present.
// This is a normal condition for NFC readers and should not be treated as a device error.
type noCardError struct {
	ReaderName string
}

func (e *noCardError) Error() string {
	return "no card present in reader " + e.ReaderName
}

func (e *noCardError) Unwrap() error {
	return ErrNoTag
}

// IsNoCardError checks if an error indicates no card is present in the reader.
func IsNoCardError(err error) bool {
	if err == nil {
		return false
	}
	var noCard *noCardError
	return errors.As(err, &noCard) || errors.Is(err, ErrNoTag)
}
