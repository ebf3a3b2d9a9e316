// Package protocol defines the websocket messages exchanged with API clients
// and relay devices. It has no server dependencies so external tools can
// import it.
package protocol

// TransactionRequest is the payload of an authenticate, write or read
// request. Empty fields fall back to the agent configuration.
type TransactionRequest struct {
	// Text replaces the configured payload for write requests.
	Text string `json:"text,omitempty"`

	// KeyHex overrides the configured key (16 or 32 hex characters).
	KeyHex string `json:"keyHex,omitempty"`

	// KeyNo overrides the configured key number.
	KeyNo *int `json:"keyNo,omitempty"`
}

// EventPayload mirrors one transcript entry.
type EventPayload struct {
	Seq    int               `json:"seq"`
	Time   string            `json:"time"` // RFC3339
	Step   string            `json:"step"`
	Fields map[string]string `json:"fields,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// StepPayload is the status of one card command.
type StepPayload struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Response string `json:"response"`
}

// ResultPayload summarizes a finished transaction.
type ResultPayload struct {
	TransactionID string        `json:"transactionID"`
	Kind          string        `json:"kind"`
	UID           string        `json:"uid,omitempty"`
	Steps         []StepPayload `json:"steps"`
	Text          string        `json:"text,omitempty"`
	Cancelled     bool          `json:"cancelled,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	StatusWord    string        `json:"statusWord,omitempty"`
}

// Error codes for error messages
const (
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeBusy           = "BUSY"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)
