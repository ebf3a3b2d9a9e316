package nfc

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TransactionKind names the three card flows.
type TransactionKind string

const (
	KindAuthenticate TransactionKind = "authenticate"
	KindWrite        TransactionKind = "write"
	KindRead         TransactionKind = "read"
)

// Options parameterize a card transaction. The zero value is not usable
// since a zero FileID or KeySettings is meaningful to the card; start from
// DefaultOptions and override fields.
type Options struct {
	Key          []byte
	KeyNo        byte
	KeyMode      KeyMode
	AID          [3]byte
	KeySettings  byte
	NumKeys      byte
	FileID       byte
	CommMode     byte
	AccessRights uint16
	Payload      []byte
	Timeout      time.Duration
	Random       RandomSource
	Observer     Observer
}

// DefaultOptions returns the demo application parameters.
func DefaultOptions() Options {
	return Options{
		Key:          make([]byte, 16),
		AID:          [3]byte{'S', 'T', 'A'},
		KeySettings:  0x0F,
		NumKeys:      0x01,
		FileID:       0x01,
		CommMode:     0x03,
		AccessRights: 0xEEEE,
		Payload:      TextToBytes("EAL MKK 3 UE"),
		Timeout:      DefaultTimeout,
	}
}

// Validate checks option values that the card would otherwise reject late.
func (o Options) Validate() error {
	const op = "Options"
	if len(o.Key) != 8 && len(o.Key) != 16 {
		return Errorf(ErrCodeInvalidKey, op, "key must be 8 or 16 bytes, got %d", len(o.Key))
	}
	if len(o.Payload) > MaxPayloadSize {
		return Errorf(ErrCodeInvalidParameter, op, "payload is %d bytes, limit is %d", len(o.Payload), MaxPayloadSize)
	}
	if o.AID == PICCLevelAID {
		return Errorf(ErrCodeInvalidParameter, op, "AID 000000 is reserved for the PICC level")
	}
	return nil
}

// StepResult is the outcome of one card command within a transaction.
type StepResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Response string `json:"response"`
}

// TransactionResult summarizes one transaction.
type TransactionResult struct {
	ID         uuid.UUID       `json:"id"`
	Kind       TransactionKind `json:"kind"`
	UID        string          `json:"uid,omitempty"`
	Steps      []StepResult    `json:"steps"`
	Text       string          `json:"text,omitempty"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	Transcript []Event         `json:"transcript"`
}

type txn struct {
	res        *TransactionResult
	transcript *Transcript
	card       *DESFire
}

func (t *txn) selectPICCLevel(ctx context.Context) error {
	resp, err := t.card.SelectPICCLevel(ctx)
	if err != nil {
		return err
	}
	t.step("Select PICC Level App", resp)
	return expectOK("Select PICC Level App", resp)
}

// fileSize returns the size of an existing data file.
func (t *txn) fileSize(ctx context.Context, fileID byte) (uint32, error) {
	resp, err := t.card.GetFileSettings(ctx, fileID)
	if err != nil {
		return 0, err
	}
	t.step("Get File Settings", resp)
	if err := expectOK("Get File Settings", resp); err != nil {
		return 0, err
	}
	settings, err := ParseFileSettings(resp.Data)
	if err != nil {
		return 0, err
	}
	return settings.Size, nil
}

func (t *txn) step(name string, resp APDUResponse) {
	t.res.Steps = append(t.res.Steps, StepResult{
		Name:     name,
		Status:   StatusText(resp.StatusWord()),
		Response: resp.String(),
	})
}

// run acquires a session, calls body and always releases. Cancellation is
// swallowed; timeouts and other faults are logged and returned.
func run(ctx context.Context, kind TransactionKind, sm SessionManager, opts Options, body func(ctx context.Context, t *txn) error) (*TransactionResult, error) {
	res := &TransactionResult{ID: uuid.New(), Kind: kind}
	transcript := NewTranscript(opts.Observer)
	logger := log.With().Str("txn", res.ID.String()).Str("kind", string(kind)).Logger()

	defer func() {
		if err := sm.Release(); err != nil {
			logger.Warn().Err(err).Msg("release failed")
		}
		res.Transcript = transcript.Events()
	}()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	err := func() error {
		if err := opts.Validate(); err != nil {
			return err
		}
		tag, err := sm.Acquire(ctx)
		if err != nil {
			return ClassifyTransport("Acquire", err)
		}
		res.UID = tag.UID()
		emit(transcript, "tag data", "uid", tag.UID(), "type", tag.Type())
		return body(ctx, &txn{
			res:        res,
			transcript: transcript,
			card:       NewDESFire(tag, transcript),
		})
	}()

	switch {
	case err == nil:
		logger.Info().Int("steps", len(res.Steps)).Msg("transaction complete")
		return res, nil
	case IsCancelError(err):
		res.Cancelled = true
		logger.Debug().Msg("transaction cancelled")
		return res, nil
	case IsTimeoutError(err):
		emitErr(transcript, "WARN: NFC Session Timeout", err)
		logger.Warn().Err(err).Msg("NFC session timeout")
		return res, err
	default:
		emitErr(transcript, "WARN: NFC Error", err)
		logger.Error().Err(err).Msg("transaction failed")
		return res, err
	}
}

// RunAuthenticate selects the PICC level and authenticates with the
// configured key.
func RunAuthenticate(ctx context.Context, sm SessionManager, opts Options) (*TransactionResult, error) {
	return run(ctx, KindAuthenticate, sm, opts, func(ctx context.Context, t *txn) error {
		if err := t.selectPICCLevel(ctx); err != nil {
			return err
		}

		err := t.card.Authenticate(ctx, opts.KeyNo, opts.Key,
			WithKeyMode(opts.KeyMode), WithRandom(opts.Random))
		if err != nil {
			return err
		}
		emit(t.transcript, "AUTHEN SUCCESS")
		return nil
	})
}

// allowDuplicate accepts 91 DE so that writing to a card that already
// holds the application or file still reaches the write step.
func allowDuplicate(op string, resp APDUResponse) error {
	if resp.StatusWord() == SWDuplicateError {
		return nil
	}
	return expectOK(op, resp)
}

// RunWrite creates the application and data file and writes the payload.
// New files are MaxPayloadSize bytes. An existing application or file is
// reused; the payload is zero-padded to the file size so a shorter rewrite
// leaves nothing of the previous record behind.
func RunWrite(ctx context.Context, sm SessionManager, opts Options) (*TransactionResult, error) {
	return run(ctx, KindWrite, sm, opts, func(ctx context.Context, t *txn) error {
		if err := t.selectPICCLevel(ctx); err != nil {
			return err
		}

		resp, err := t.card.CreateApplication(ctx, opts.AID, opts.KeySettings, opts.NumKeys)
		if err != nil {
			return err
		}
		t.step("Create App", resp)
		if err := allowDuplicate("Create App", resp); err != nil {
			return err
		}

		resp, err = t.card.SelectApplication(ctx, opts.AID)
		if err != nil {
			return err
		}
		t.step("Select App", resp)
		if err := expectOK("Select App", resp); err != nil {
			return err
		}

		size := uint32(MaxPayloadSize)
		resp, err = t.card.CreateFile(ctx, opts.FileID, opts.CommMode, opts.AccessRights, size)
		if err != nil {
			return err
		}
		t.step("Create File", resp)
		if err := allowDuplicate("Create File", resp); err != nil {
			return err
		}
		if resp.StatusWord() == SWDuplicateError {
			if size, err = t.fileSize(ctx, opts.FileID); err != nil {
				return err
			}
		}
		if uint32(len(opts.Payload)) > size {
			return Errorf(ErrCodeInvalidParameter, "Write Data",
				"payload is %d bytes, file %02X holds %d", len(opts.Payload), opts.FileID, size)
		}

		record := make([]byte, size)
		copy(record, opts.Payload)
		emit(t.transcript, "Writing", "payload", BytesToHex(opts.Payload))
		resp, err = t.card.WriteData(ctx, opts.FileID, 0, record)
		if err != nil {
			return err
		}
		t.step("Write Data", resp)
		return expectOK("Write Data", resp)
	})
}

// RunRead selects the application and reads the whole data file as text.
// Trailing zero padding left by RunWrite is dropped.
func RunRead(ctx context.Context, sm SessionManager, opts Options) (*TransactionResult, error) {
	return run(ctx, KindRead, sm, opts, func(ctx context.Context, t *txn) error {
		if err := t.selectPICCLevel(ctx); err != nil {
			return err
		}

		resp, err := t.card.SelectApplication(ctx, opts.AID)
		if err != nil {
			return err
		}
		t.step("Select App", resp)
		if err := expectOK("Select App", resp); err != nil {
			return err
		}

		resp, err = t.card.ReadData(ctx, opts.FileID, 0, 0)
		if err != nil {
			return err
		}
		t.step("Read Data", resp)
		if err := expectOK("Read Data", resp); err != nil {
			return err
		}

		text, err := BytesToText(bytes.TrimRight(resp.Data, "\x00"))
		if err != nil {
			return err
		}
		t.res.Text = text
		emit(t.transcript, "STORED DATA", "text", text)
		return nil
	})
}

// Run dispatches on kind.
func Run(ctx context.Context, kind TransactionKind, sm SessionManager, opts Options) (*TransactionResult, error) {
	switch kind {
	case KindAuthenticate:
		return RunAuthenticate(ctx, sm, opts)
	case KindWrite:
		return RunWrite(ctx, sm, opts)
	case KindRead:
		return RunRead(ctx, sm, opts)
	}
	return nil, errors.New("unknown transaction kind: " + string(kind))
}
