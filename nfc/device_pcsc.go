package nfc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog/log"
)

// pcscStoragePrefix is the PC/SC part 3 RID that readers put in the ATR of
// memory cards (Classic, Ultralight). ISO-DEP cards do not carry it.
var pcscStoragePrefix = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

// PCSCSessionManager acquires DESFire sessions through a PC/SC reader via
// ebfe/scard.
type PCSCSessionManager struct {
	// Reader selects a reader by name. Empty picks the first contactless one.
	Reader string

	mu   sync.Mutex
	ctx  *scard.Context
	card *pcscTag
}

// Ensure PCSCSessionManager implements SessionManagerCloser
var _ SessionManagerCloser = (*PCSCSessionManager)(nil)

// NewPCSCSessionManager creates a session manager for reader (may be empty).
func NewPCSCSessionManager(reader string) *PCSCSessionManager {
	return &PCSCSessionManager{Reader: reader}
}

// ensureContext ensures we have a valid PC/SC context (caller holds mu)
func (m *PCSCSessionManager) ensureContext() error {
	if m.ctx != nil {
		if _, err := m.ctx.ListReaders(); err == nil {
			return nil
		}
		m.ctx.Release()
		m.ctx = nil
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	m.ctx = ctx
	return nil
}

func (m *PCSCSessionManager) pickReader() (string, error) {
	if m.Reader != "" {
		return m.Reader, nil
	}
	var lastErr error
	for i := 0; i < DeviceEnumRetries; i++ {
		readers, err := m.ctx.ListReaders()
		if err != nil {
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		readers = filterContactlessReaders(readers)
		if len(readers) == 0 {
			return "", fmt.Errorf("no PC/SC readers found")
		}
		return readers[0], nil
	}
	return "", fmt.Errorf("failed to list PC/SC readers after %d retries: %w", DeviceEnumRetries, lastErr)
}

// waitForCard blocks until a card is present in reader or ctx ends.
func (m *PCSCSessionManager) waitForCard(ctx context.Context, reader string) error {
	states := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.ctx.GetStatusChange(states, AcquirePollDelay)
		if err != nil && !errors.Is(err, scard.ErrTimeout) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if states[0].EventState&scard.StatePresent != 0 {
			return nil
		}
		states[0].CurrentState = states[0].EventState &^ scard.StateChanged
	}
}

// Acquire waits for a card on the reader and connects to it.
func (m *PCSCSessionManager) Acquire(ctx context.Context) (TagHandle, error) {
	const op = "Acquire"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.card != nil {
		return m.card, nil
	}
	if err := m.ensureContext(); err != nil {
		return nil, NewTransportError(op, TransportIO, err)
	}
	reader, err := m.pickReader()
	if err != nil {
		return nil, NewTransportError(op, TransportIO, err)
	}

	// Cancel unblocks GetStatusChange when ctx ends.
	sc := m.ctx
	stop := context.AfterFunc(ctx, func() { sc.Cancel() })
	err = m.waitForCard(ctx, reader)
	stop()
	if err != nil {
		return nil, classifyPCSC(op, err)
	}

	card, err := m.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if isNoCardPCSCError(err) {
			return nil, NewTagLostError(op, &noCardError{ReaderName: reader})
		}
		return nil, classifyPCSC(op, fmt.Errorf("failed to connect to reader %s: %w", reader, err))
	}

	tag, err := newPCSCTag(card, reader)
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		return nil, err
	}
	m.card = tag
	log.Debug().Str("reader", reader).Str("uid", tag.uid).Msg("pcsc: card connected")
	return tag, nil
}

// Release disconnects the current card. It is idempotent.
func (m *PCSCSessionManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.card == nil {
		return nil
	}
	err := m.card.close()
	m.card = nil
	return err
}

// Close releases the card and the PC/SC context.
func (m *PCSCSessionManager) Close() error {
	if err := m.Release(); err != nil {
		log.Warn().Err(err).Msg("pcsc: release on close")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		err := m.ctx.Release()
		m.ctx = nil
		return err
	}
	return nil
}

// pcscTag is a connected ISO-DEP card.
type pcscTag struct {
	mu     sync.Mutex
	card   *scard.Card
	reader string
	uid    string
	atr    []byte
}

func newPCSCTag(card *scard.Card, reader string) (*pcscTag, error) {
	const op = "Acquire"

	// Validate protocol before any operations - the scard library panics on invalid protocol
	proto := card.ActiveProtocol()
	if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
		return nil, NewTransportError(op, TransportIO, fmt.Errorf("unsupported card protocol: %d", proto))
	}

	status, err := card.Status()
	if err != nil {
		return nil, classifyPCSC(op, fmt.Errorf("failed to get card status: %w", err))
	}
	if isMemoryCardATR(status.Atr) {
		return nil, NewTransportError(op, TransportIO, fmt.Errorf("%w: ATR %s is a memory card", ErrNoTag, BytesToHex(status.Atr)))
	}

	t := &pcscTag{card: card, reader: reader, atr: status.Atr}
	if uid, err := t.getUID(); err != nil {
		log.Warn().Err(err).Msg("pcsc: could not get UID")
	} else {
		t.uid = uid
	}
	return t, nil
}

// isMemoryCardATR reports whether a reader flagged the card as a storage
// card rather than ISO-DEP.
func isMemoryCardATR(atr []byte) bool {
	return bytes.Contains(atr, pcscStoragePrefix)
}

// getUID retrieves the card UID using the GET DATA pseudo-APDU (FF CA 00 00 00)
func (t *pcscTag) getUID() (string, error) {
	le := byte(0x00)
	resp, err := t.card.Transmit(BuildAPDUBytes(0xFF, 0xCA, 0x00, 0x00, nil, &le))
	if err != nil {
		return "", fmt.Errorf("GET UID failed: %w", err)
	}
	parsed, err := ParseAPDUResponse(resp)
	if err != nil {
		return "", err
	}
	if parsed.StatusWord() != 0x9000 {
		return "", fmt.Errorf("GET UID failed: SW=%04X", parsed.StatusWord())
	}
	return BytesToHex(parsed.Data), nil
}

func (t *pcscTag) UID() string  { return t.uid }
func (t *pcscTag) Type() string { return "MIFARE DESFire (PC/SC " + t.reader + ")" }

// Transceive sends one APDU. PC/SC transmits cannot be interrupted, so ctx
// is checked before and after the exchange.
func (t *pcscTag) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	const op = "Transceive"
	if err := ctx.Err(); err != nil {
		return nil, ClassifyTransport(op, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.card == nil {
		return nil, NewTagLostError(op, ErrDeviceClosed)
	}

	rx, err := t.card.Transmit(cmd)
	if err != nil {
		return nil, classifyPCSC(op, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, ClassifyTransport(op, err)
	}
	return rx, nil
}

func (t *pcscTag) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card == nil {
		return nil
	}
	err := t.card.Disconnect(scard.LeaveCard)
	t.card = nil
	return err
}

// classifyPCSC maps scard errors onto transport kinds.
func classifyPCSC(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassifyTransport(op, err)
	case errors.Is(err, scard.ErrCancelled):
		return NewCancelError(op, err)
	case errors.Is(err, scard.ErrTimeout):
		return NewTimeoutError(op, err)
	case isCardRemovedPCSCError(err):
		return NewTagLostError(op, err)
	default:
		return NewTransportError(op, TransportIO, err)
	}
}

// isCardRemovedPCSCError checks if a PC/SC error indicates the card was removed.
func isCardRemovedPCSCError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard)
}

func isNoCardPCSCError(err error) bool {
	if errors.Is(err, scard.ErrNoSmartcard) {
		return true
	}
	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "no smart card") ||
		strings.Contains(errLower, "card is not present")
}

// filterContactlessReaders drops SAM slots from the reader list
func filterContactlessReaders(readers []string) []string {
	var filtered []string
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}
