package pn532uart

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// readTimeout bounds each serial read so idle lines surface as empty reads.
const readTimeout = 100 * time.Millisecond

// OpenSerial opens a PN532 on a serial device at 115200 8N1.
func OpenSerial(name string) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	return port, nil
}

// SessionManager acquires ISO-DEP targets through a PN532 on a serial port.
type SessionManager struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0 or COM3.
	Device string

	// Open opens the port. Nil uses OpenSerial.
	Open func(name string) (Port, error)

	mu     sync.Mutex
	port   Port
	target *tag
}

// Ensure SessionManager implements nfc.SessionManagerCloser
var _ nfc.SessionManagerCloser = (*SessionManager)(nil)

// NewSessionManager creates a session manager for a serial device.
func NewSessionManager(device string) *SessionManager {
	return &SessionManager{Device: device}
}

func (m *SessionManager) connect() error {
	if m.port != nil {
		return nil
	}
	open := m.Open
	if open == nil {
		open = OpenSerial
	}
	port, err := open(m.Device)
	if err != nil {
		return err
	}
	if err := SAMConfiguration(port); err != nil {
		_ = port.Close()
		return err
	}
	fv, err := GetFirmwareVersion(port)
	if err != nil {
		_ = port.Close()
		return err
	}
	log.Info().Str("device", m.Device).Str("firmware", fv.Version).Msg("pn532: connected")
	m.port = port
	return nil
}

// Acquire polls until an ISO-DEP target is in the field or ctx ends.
func (m *SessionManager) Acquire(ctx context.Context) (nfc.TagHandle, error) {
	const op = "Acquire"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.target != nil {
		return m.target, nil
	}
	if err := m.connect(); err != nil {
		return nil, nfc.NewTransportError(op, nfc.TransportIO, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nfc.ClassifyTransport(op, err)
		}
		t, err := InListPassiveTarget(m.port)
		if err != nil {
			return nil, nfc.NewTransportError(op, nfc.TransportIO, err)
		}
		if t != nil && t.IsoDEP() {
			m.target = &tag{port: m.port, target: t}
			log.Debug().Str("uid", m.target.UID()).Msg("pn532: target selected")
			return m.target, nil
		}
		if t != nil {
			log.Debug().Hex("uid", t.UID).Msg("pn532: ignoring non ISO-DEP target")
			_ = InRelease(m.port, t.Number)
		}

		select {
		case <-ctx.Done():
			return nil, nfc.ClassifyTransport(op, ctx.Err())
		case <-time.After(nfc.AcquirePollDelay):
		}
	}
}

// Release releases the current target. It is idempotent.
func (m *SessionManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.target == nil {
		return nil
	}
	t := m.target
	m.target = nil
	return InRelease(m.port, t.target.Number)
}

// Close releases the target and closes the port.
func (m *SessionManager) Close() error {
	if err := m.Release(); err != nil {
		log.Warn().Err(err).Msg("pn532: release on close")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

type tag struct {
	mu     sync.Mutex
	port   Port
	target *Target
}

func (t *tag) UID() string  { return nfc.BytesToHex(t.target.UID) }
func (t *tag) Type() string { return "MIFARE DESFire (PN532)" }

// Transceive exchanges one APDU via InDataExchange. Serial I/O cannot be
// interrupted, so ctx is checked around the exchange.
func (t *tag) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	const op = "Transceive"
	if err := ctx.Err(); err != nil {
		return nil, nfc.ClassifyTransport(op, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rx, err := InDataExchange(t.port, t.target.Number, cmd)
	if err != nil {
		return nil, classify(op, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nfc.ClassifyTransport(op, err)
	}
	return rx, nil
}

func classify(op string, err error) error {
	var se *StatusError
	switch {
	case errors.As(err, &se) && se.Timeout():
		return nfc.NewTimeoutError(op, err)
	case errors.Is(err, ErrNoFrameFound), errors.Is(err, ErrAckTimeout):
		return nfc.NewTimeoutError(op, err)
	default:
		return nfc.NewTransportError(op, nfc.TransportIO, err)
	}
}
