// Package remotenfc lets phones act as contactless readers. A phone opens a
// websocket, registers, reports the ISO-DEP tag in its field and answers
// APDU relay requests. The Relay exposes those phones as an
// nfc.SessionManager.
package remotenfc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Relay manages phone connections and hands out the first tag it sees.
type Relay struct {
	mu                sync.Mutex
	devices           map[string]*Device // deviceID -> device
	active            *Device            // device owning the acquired session
	changed           chan struct{}      // closed and replaced on any state change
	inactivityTimeout time.Duration
	upgrader          websocket.Upgrader
	stopCleanup       chan struct{}
	closed            bool
}

// Ensure Relay implements nfc.SessionManagerCloser
var _ nfc.SessionManagerCloser = (*Relay)(nil)

// NewRelay creates a relay. A zero inactivityTimeout uses DeviceTimeout.
func NewRelay(inactivityTimeout time.Duration) *Relay {
	if inactivityTimeout == 0 {
		inactivityTimeout = DeviceTimeout
	}
	r := &Relay{
		devices:           make(map[string]*Device),
		changed:           make(chan struct{}),
		inactivityTimeout: inactivityTimeout,
		stopCleanup:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	go r.cleanupLoop()
	return r
}

// notify wakes Acquire waiters (caller holds mu).
func (r *Relay) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Acquire waits until a registered device reports a tag.
func (r *Relay) Acquire(ctx context.Context) (nfc.TagHandle, error) {
	const op = "Acquire"
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nfc.NewTransportError(op, nfc.TransportIO, nfc.ErrDeviceClosed)
		}
		for _, d := range r.devices {
			if t, ok := d.Tag(); ok {
				r.active = d
				r.mu.Unlock()
				log.Debug().Str("device", d.String()).Str("uid", t.UID).Msg("relay: session acquired")
				return &Tag{device: d, uid: t.UID, tagType: t.Type}, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nfc.ClassifyTransport(op, ctx.Err())
		case <-changed:
		}
	}
}

// Release tells the owning device the session is over. It is idempotent.
func (r *Relay) Release() error {
	r.mu.Lock()
	d := r.active
	r.active = nil
	r.mu.Unlock()

	if d == nil {
		return nil
	}
	select {
	case <-d.closed:
		return nil
	default:
	}
	return d.send(protocol.WSTypeRelease, nil)
}

// DeviceCount returns the number of registered devices.
func (r *Relay) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// GetDevice retrieves a device by ID.
func (r *Relay) GetDevice(deviceID string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// ServeHTTP upgrades a phone connection and runs it until it disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("relay: upgrade failed")
		return
	}

	d, err := r.register(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("relay: registration rejected")
		_ = conn.WriteJSON(protocol.WebSocketResponse{
			Type:    protocol.WSTypeError,
			Success: false,
			Error:   err.Error(),
		})
		conn.Close()
		return
	}
	defer r.unregister(d)

	r.readLoop(d)
}

func validateRegistration(req protocol.DeviceRegistrationRequest) error {
	if req.DeviceName == "" {
		return fmt.Errorf("device name is required")
	}
	switch req.Platform {
	case "ios", "android", "web":
		return nil
	}
	return fmt.Errorf("invalid platform: %s (must be 'ios', 'android', or 'web')", req.Platform)
}

func (r *Relay) register(conn *websocket.Conn) (*Device, error) {
	_ = conn.SetReadDeadline(time.Now().Add(RegisterTimeout))
	var msg protocol.RawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("reading register message: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type != protocol.WSTypeRegister {
		return nil, fmt.Errorf("expected %q, got %q", protocol.WSTypeRegister, msg.Type)
	}
	var req protocol.DeviceRegistrationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid register payload: %w", err)
	}
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	d := newDevice(conn, req)
	err := d.send(protocol.WSTypeRegistered, protocol.DeviceRegistrationResponse{
		DeviceID: d.id,
		ServerInfo: protocol.ServerInfo{
			Version:      buildinfo.Version,
			SupportedNFC: []string{"desfire"},
		},
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nfc.ErrDeviceClosed
	}
	r.devices[d.id] = d
	r.notify()
	r.mu.Unlock()

	log.Info().Str("device", d.String()).Str("app", d.appVersion).Msg("relay: device registered")
	return d, nil
}

func (r *Relay) unregister(d *Device) {
	d.close()

	r.mu.Lock()
	delete(r.devices, d.id)
	if r.active == d {
		r.active = nil
	}
	r.notify()
	r.mu.Unlock()

	log.Info().Str("device", d.String()).Msg("relay: device unregistered")
}

func (r *Relay) readLoop(d *Device) {
	for {
		var msg protocol.RawMessage
		if err := d.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("device", d.id).Msg("relay: read failed")
			}
			return
		}
		d.touch()

		switch msg.Type {
		case protocol.WSTypeHeartbeat:
		case protocol.WSTypeTagPresent:
			var t protocol.TagPresentData
			if err := json.Unmarshal(msg.Payload, &t); err != nil {
				log.Warn().Err(err).Msg("relay: invalid tagPresent")
				continue
			}
			uid, err := protocol.ParseUID(t.UID)
			if err != nil {
				log.Warn().Err(err).Msg("relay: invalid tag UID")
				continue
			}
			t.UID = uid
			d.setTag(&t)
			r.mu.Lock()
			r.notify()
			r.mu.Unlock()
		case protocol.WSTypeTagRemoved:
			d.setTag(nil)
			r.mu.Lock()
			r.notify()
			r.mu.Unlock()
		case protocol.WSTypeTransceiveResponse:
			var resp protocol.TransceiveResponse
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				log.Warn().Err(err).Msg("relay: invalid transceive response")
				continue
			}
			if !d.deliver(resp) {
				log.Debug().Str("id", resp.ID).Msg("relay: late transceive response dropped")
			}
		default:
			log.Debug().Str("type", msg.Type).Msg("relay: unknown message type")
		}
	}
}

func (r *Relay) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cleanupInactiveDevices()
		case <-r.stopCleanup:
			return
		}
	}
}

// cleanupInactiveDevices drops devices that exceeded the inactivity timeout.
// Closing the connection ends its read loop, which unregisters it.
func (r *Relay) cleanupInactiveDevices() {
	r.mu.Lock()
	var stale []*Device
	for _, d := range r.devices {
		if since := time.Since(d.LastSeen()); since > r.inactivityTimeout {
			log.Info().Str("device", d.String()).Dur("idle", since).Msg("relay: cleaning up inactive device")
			stale = append(stale, d)
		}
	}
	r.mu.Unlock()

	for _, d := range stale {
		d.close()
	}
}

// Close disconnects every device and stops background tasks.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.notify()
	r.mu.Unlock()

	close(r.stopCleanup)
	for _, d := range devices {
		d.close()
	}
	log.Info().Msg("relay: closed")
	return nil
}
