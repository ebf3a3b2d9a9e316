package nfc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
	"github.com/rs/zerolog/log"
)

// libnfcRxSize is the largest ISO-DEP response libnfc hands back.
const libnfcRxSize = 262

// LibNFCSessionManager acquires DESFire sessions through a libnfc device.
// Tags are discovered with freefare.GetTags and then selected as ISO14443A
// passive targets so raw APDUs can be exchanged.
type LibNFCSessionManager struct {
	// Connection is the libnfc connection string. Empty opens the default device.
	Connection string

	mu     sync.Mutex
	device *nfc.Device
	tag    *libnfcTag
}

// Ensure LibNFCSessionManager implements SessionManagerCloser
var _ SessionManagerCloser = (*LibNFCSessionManager)(nil)

// NewLibNFCSessionManager creates a session manager for a libnfc connection string.
func NewLibNFCSessionManager(connection string) *LibNFCSessionManager {
	return &LibNFCSessionManager{Connection: connection}
}

func (m *LibNFCSessionManager) ensureDevice() error {
	if m.device != nil {
		return nil
	}
	var lastErr error
	for i := 0; i < DeviceEnumRetries; i++ {
		dev, err := nfc.Open(m.Connection)
		if err != nil {
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err := dev.InitiatorInit(); err != nil {
			dev.Close()
			lastErr = err
			continue
		}
		log.Info().Str("device", dev.String()).Msg("libnfc: device opened")
		m.device = &dev
		return nil
	}
	return fmt.Errorf("could not open libnfc device %q after %d tries: %w", m.Connection, DeviceEnumRetries, lastErr)
}

// findDESFire returns the UID of the first DESFire tag in the field.
func (m *LibNFCSessionManager) findDESFire() (string, error) {
	tags, err := freefare.GetTags(*m.device)
	if err != nil {
		return "", err
	}
	for _, t := range tags {
		if t.Type() == freefare.DESFire {
			return strings.ToUpper(t.UID()), nil
		}
		log.Debug().Str("uid", t.UID()).Msg("libnfc: ignoring non-DESFire tag")
	}
	return "", ErrNoTag
}

// Acquire polls for a DESFire tag and selects it.
func (m *LibNFCSessionManager) Acquire(ctx context.Context) (TagHandle, error) {
	const op = "Acquire"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tag != nil {
		return m.tag, nil
	}
	if err := m.ensureDevice(); err != nil {
		return nil, NewTransportError(op, TransportIO, err)
	}

	for {
		uid, err := m.findDESFire()
		if err == nil {
			uidBytes, _ := hex.DecodeString(uid)
			modulation := nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}
			if _, err := m.device.InitiatorSelectPassiveTarget(modulation, uidBytes); err != nil {
				return nil, classifyLibNFC(op, err)
			}
			m.tag = &libnfcTag{device: m.device, uid: uid}
			return m.tag, nil
		}
		if !errors.Is(err, ErrNoTag) {
			return nil, classifyLibNFC(op, err)
		}

		select {
		case <-ctx.Done():
			return nil, ClassifyTransport(op, ctx.Err())
		case <-time.After(AcquirePollDelay):
		}
	}
}

// Release deselects the tag. It is idempotent.
func (m *LibNFCSessionManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tag == nil {
		return nil
	}
	m.tag = nil
	return m.device.InitiatorDeselectTarget()
}

// Close releases the tag and closes the device.
func (m *LibNFCSessionManager) Close() error {
	if err := m.Release(); err != nil {
		log.Warn().Err(err).Msg("libnfc: release on close")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	err := m.device.Close()
	m.device = nil
	return err
}

type libnfcTag struct {
	mu     sync.Mutex
	device *nfc.Device
	uid    string
}

func (t *libnfcTag) UID() string  { return t.uid }
func (t *libnfcTag) Type() string { return "MIFARE DESFire (libnfc)" }

// Transceive exchanges one APDU. The libnfc timeout follows the context
// deadline; without one, DefaultTimeout applies.
func (t *libnfcTag) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	const op = "Transceive"
	if err := ctx.Err(); err != nil {
		return nil, ClassifyTransport(op, err)
	}

	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, NewTimeoutError(op, context.DeadlineExceeded)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var rx [libnfcRxSize]byte
	n, err := t.device.InitiatorTransceiveBytes(cmd, rx[:], int(timeout/time.Millisecond))
	if err != nil {
		return nil, classifyLibNFC(op, err)
	}
	return append([]byte(nil), rx[:n]...), nil
}

// classifyLibNFC maps libnfc error codes onto transport kinds.
func classifyLibNFC(op string, err error) error {
	var nfcErr nfc.Error
	if errors.As(err, &nfcErr) {
		switch nfcErr {
		case nfc.ETIMEOUT:
			return NewTimeoutError(op, err)
		case nfc.EOPABORTED:
			return NewCancelError(op, err)
		case nfc.ETGRELEASED, nfc.ERFTRANS:
			return NewTagLostError(op, err)
		}
	}
	return ClassifyTransport(op, err)
}
