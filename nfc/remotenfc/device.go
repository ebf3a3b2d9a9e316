package remotenfc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errDeviceGone = errors.New("relay device disconnected")

// Device is a registered phone relaying APDUs to the tag it holds.
type Device struct {
	id         string
	name       string
	platform   string
	appVersion string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
	tag      *protocol.TagPresentData
	pending  map[string]chan protocol.TransceiveResponse

	closeOnce sync.Once
	closed    chan struct{}
}

func newDevice(conn *websocket.Conn, req protocol.DeviceRegistrationRequest) *Device {
	return &Device{
		id:         uuid.NewString(),
		name:       req.DeviceName,
		platform:   req.Platform,
		appVersion: req.AppVersion,
		conn:       conn,
		lastSeen:   time.Now(),
		pending:    make(map[string]chan protocol.TransceiveResponse),
		closed:     make(chan struct{}),
	}
}

// DeviceID returns the device's unique identifier.
func (d *Device) DeviceID() string { return d.id }

// String returns a human-readable device name.
func (d *Device) String() string {
	return fmt.Sprintf("%s [%s, %s]", d.name, d.platform, d.id)
}

// LastSeen returns the last activity timestamp.
func (d *Device) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

func (d *Device) touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

// Tag returns the tag currently in the device's field, if any.
func (d *Device) Tag() (protocol.TagPresentData, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tag == nil {
		return protocol.TagPresentData{}, false
	}
	return *d.tag, true
}

func (d *Device) setTag(t *protocol.TagPresentData) {
	d.mu.Lock()
	d.tag = t
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

func (d *Device) send(msgType string, payload any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return d.conn.WriteJSON(protocol.WebSocketMessage{Type: msgType, Payload: payload})
}

func (d *Device) deliver(resp protocol.TransceiveResponse) bool {
	d.mu.Lock()
	ch, ok := d.pending[resp.ID]
	delete(d.pending, resp.ID)
	d.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

func (d *Device) close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.conn.Close()
	})
}

// transceive relays one APDU and waits for the correlated answer.
func (d *Device) transceive(ctx context.Context, uid string, cmd []byte) ([]byte, error) {
	const op = "Transceive"

	select {
	case <-d.closed:
		return nil, nfc.NewTagLostError(op, errDeviceGone)
	default:
	}
	if t, ok := d.Tag(); !ok || t.UID != uid {
		return nil, nfc.NewTagLostError(op, nfc.ErrNoTag)
	}

	req := protocol.TransceiveRequest{ID: uuid.NewString(), APDU: nfc.BytesToHex(cmd)}
	ch := make(chan protocol.TransceiveResponse, 1)
	d.mu.Lock()
	d.pending[req.ID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
	}()

	if err := d.send(protocol.WSTypeTransceive, req); err != nil {
		return nil, nfc.NewTransportError(op, nfc.TransportIO, err)
	}

	select {
	case <-ctx.Done():
		return nil, nfc.ClassifyTransport(op, ctx.Err())
	case <-d.closed:
		return nil, nfc.NewTagLostError(op, errDeviceGone)
	case resp := <-ch:
		if resp.Error != "" {
			return nil, nfc.NewTransportError(op, nfc.ParseTransportKind(resp.ErrorKind), errors.New(resp.Error))
		}
		rx, err := nfc.HexToBytesStrict(resp.Response)
		if err != nil {
			return nil, nfc.NewTransportError(op, nfc.TransportIO, err)
		}
		return rx, nil
	}
}
