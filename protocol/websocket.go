package protocol

// Message types on the /ws API connection
const (
	WSTypeAuthenticate = "authenticate"
	WSTypeWrite        = "write"
	WSTypeRead         = "read"
	WSTypeEvent        = "event"
	WSTypeResult       = "result"
	WSTypeError        = "error"
)

// Message types on the /device relay connection
const (
	WSTypeRegister           = "register"
	WSTypeRegistered         = "registered"
	WSTypeHeartbeat          = "heartbeat"
	WSTypeTagPresent         = "tagPresent"
	WSTypeTagRemoved         = "tagRemoved"
	WSTypeTransceive         = "transceive"
	WSTypeTransceiveResponse = "transceiveResponse"
	WSTypeRelease            = "release"
)

// WebSocketMessage is the generic message envelope for WebSocket communication.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}
