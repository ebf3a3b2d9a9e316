package nfc

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of protocol error for programmatic handling.
type ErrorCode int

const (
	// Transport errors (100-199)
	ErrCodeTransport     ErrorCode = 100
	ErrCodeShortResponse ErrorCode = 101

	// Cryptographic errors (200-299)
	ErrCodeInvalidBlockLength ErrorCode = 200
	ErrCodeInvalidKey         ErrorCode = 201
	ErrCodeDecryption         ErrorCode = 202

	// Authentication errors (300-399)
	ErrCodeAuthRejected ErrorCode = 300
	ErrCodeAuthMismatch ErrorCode = 301
	ErrCodeInvalidState ErrorCode = 302

	// Card command errors (400-499)
	ErrCodeUnsuccessfulStatus ErrorCode = 400
	ErrCodeInvalidParameter   ErrorCode = 401
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeTransport:
		return "TransportError"
	case ErrCodeShortResponse:
		return "ShortResponse"
	case ErrCodeInvalidBlockLength:
		return "InvalidBlockLength"
	case ErrCodeInvalidKey:
		return "InvalidKey"
	case ErrCodeDecryption:
		return "DecryptionError"
	case ErrCodeAuthRejected:
		return "AuthenticationRejected"
	case ErrCodeAuthMismatch:
		return "AuthenticationMismatch"
	case ErrCodeInvalidState:
		return "InvalidState"
	case ErrCodeUnsuccessfulStatus:
		return "UnsuccessfulStatus"
	case ErrCodeInvalidParameter:
		return "InvalidParameter"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// TransportKind distinguishes transport faults. Transports report one of
// these instead of leaving callers to inspect concrete error types.
type TransportKind int

const (
	TransportIO TransportKind = iota
	TransportTimeout
	TransportUserCancel
	TransportTagLost
)

func (k TransportKind) String() string {
	switch k {
	case TransportIO:
		return "io"
	case TransportTimeout:
		return "timeout"
	case TransportUserCancel:
		return "cancel"
	case TransportTagLost:
		return "tag-lost"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// ParseTransportKind is the inverse of TransportKind.String. Unknown names map to TransportIO.
func ParseTransportKind(s string) TransportKind {
	switch s {
	case "timeout":
		return TransportTimeout
	case "cancel":
		return TransportUserCancel
	case "tag-lost":
		return TransportTagLost
	default:
		return TransportIO
	}
}

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "ReadData", "Authenticate")
	Message string // Human-readable message
	Cause   error  // Underlying error

	Kind TransportKind // Only meaningful for ErrCodeTransport
	SW   uint16        // Status word, when the card answered
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.SW != 0 {
		fmt.Fprintf(&sb, " (SW=%04X %s)", e.SW, StatusText(e.SW))
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewTransportError wraps an I/O fault reported by a transport.
func NewTransportError(op string, kind TransportKind, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeTransport,
		Op:      op,
		Kind:    kind,
		Message: "transport " + kind.String(),
		Cause:   cause,
	}
}

// NewTimeoutError creates a transport error of kind TransportTimeout.
func NewTimeoutError(op string, cause error) *NFCError {
	return NewTransportError(op, TransportTimeout, cause)
}

// NewCancelError creates a transport error of kind TransportUserCancel.
func NewCancelError(op string, cause error) *NFCError {
	return NewTransportError(op, TransportUserCancel, cause)
}

// NewTagLostError creates a transport error for a tag that left the field.
func NewTagLostError(op string, cause error) *NFCError {
	return NewTransportError(op, TransportTagLost, cause)
}

// NewShortResponseError is returned when a response lacks a status word.
func NewShortResponseError(op string, n int) *NFCError {
	return &NFCError{
		Code:    ErrCodeShortResponse,
		Op:      op,
		Message: fmt.Sprintf("response too short (%d bytes)", n),
	}
}

// NewBlockLengthError is returned when cipher input is not block aligned.
func NewBlockLengthError(op string, n int) *NFCError {
	return &NFCError{
		Code:    ErrCodeInvalidBlockLength,
		Op:      op,
		Message: fmt.Sprintf("length %d is not a multiple of 8", n),
	}
}

// NewStatusError reports a card answer whose status word is not success.
func NewStatusError(op string, sw uint16) *NFCError {
	return &NFCError{
		Code:    ErrCodeUnsuccessfulStatus,
		Op:      op,
		Message: "unsuccessful status",
		SW:      sw,
	}
}

// NewAuthRejectedError is returned when the card refuses an authentication step.
func NewAuthRejectedError(op string, sw uint16) *NFCError {
	return &NFCError{
		Code:    ErrCodeAuthRejected,
		Op:      op,
		Message: "authentication rejected by card",
		SW:      sw,
	}
}

// NewAuthMismatchError is returned when the recovered RndA does not match.
func NewAuthMismatchError(op string) *NFCError {
	return &NFCError{
		Code:    ErrCodeAuthMismatch,
		Op:      op,
		Message: "card proof does not match RndA",
	}
}

// ClassifyTransport converts an error returned by a transport into an
// NFCError of code ErrCodeTransport. Errors that already carry a code are
// returned unchanged.
func ClassifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewCancelError(op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return NewTimeoutError(op, err)
	default:
		return NewTransportError(op, TransportIO, err)
	}
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}

// GetTransportKind reports the transport kind of err. ok is false when err
// is not a transport error.
func GetTransportKind(err error) (kind TransportKind, ok bool) {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) && nfcErr.Code == ErrCodeTransport {
		return nfcErr.Kind, true
	}
	return 0, false
}

// IsTransportError checks if an error was raised by the transport.
func IsTransportError(err error) bool {
	return GetErrorCode(err) == ErrCodeTransport
}

// IsTimeoutError checks if an error is a transport timeout.
func IsTimeoutError(err error) bool {
	kind, ok := GetTransportKind(err)
	return ok && kind == TransportTimeout
}

// IsCancelError checks if an error is a user cancellation.
func IsCancelError(err error) bool {
	kind, ok := GetTransportKind(err)
	return ok && kind == TransportUserCancel
}

// IsTagLostError checks if the tag left the field mid-operation.
func IsTagLostError(err error) bool {
	kind, ok := GetTransportKind(err)
	return ok && kind == TransportTagLost
}

// IsAuthError checks if an error indicates an authentication failure,
// either rejected by the card or failed locally.
func IsAuthError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrCodeAuthRejected || code == ErrCodeAuthMismatch
}

// GetStatusWord returns the status word carried by err, or 0.
func GetStatusWord(err error) uint16 {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.SW
	}
	return 0
}

// Errorf creates an NFCError with a formatted message.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with protocol context.
func WrapError(code ErrorCode, op, message string, cause error) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}
