package protocol

import (
	"encoding/json"
	"time"
)

// RawMessage is an incoming envelope whose payload is decoded per type.
type RawMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DeviceRegistrationRequest is sent by a relay device right after connecting.
type DeviceRegistrationRequest struct {
	DeviceName string            `json:"deviceName"` // e.g., "Pixel 8"
	Platform   string            `json:"platform"`   // "ios", "android" or "web"
	AppVersion string            `json:"appVersion"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DeviceRegistrationResponse is sent by the server after registration.
type DeviceRegistrationResponse struct {
	DeviceID   string     `json:"deviceID"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

// ServerInfo contains information about the server.
type ServerInfo struct {
	Version      string   `json:"version"`
	SupportedNFC []string `json:"supportedNFC"`
}

// TagPresentData is sent when an ISO-DEP tag enters the device's field.
type TagPresentData struct {
	UID  string `json:"uid"`
	Type string `json:"type,omitempty"`
}

// TagRemovedData is sent when the tag leaves the field.
type TagRemovedData struct {
	UID       string    `json:"uid"`
	RemovedAt time.Time `json:"removedAt"`
}

// TransceiveRequest asks the device to send one APDU to its tag.
type TransceiveRequest struct {
	ID   string `json:"id"`
	APDU string `json:"apdu"` // hex
}

// TransceiveResponse carries the tag's answer, or an error. ErrorKind is
// one of "io", "timeout", "cancel" or "tag-lost".
type TransceiveResponse struct {
	ID        string `json:"id"`
	Response  string `json:"response,omitempty"` // hex, including SW1 SW2
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}
