package nfc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// AuthState tracks the progress of one authentication attempt.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthAwaitingChallenge
	AuthChallengeReceived
	AuthProofSent
	AuthAuthenticated
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "Idle"
	case AuthAwaitingChallenge:
		return "AwaitingChallenge"
	case AuthChallengeReceived:
		return "ChallengeReceived"
	case AuthProofSent:
		return "ProofSent"
	case AuthAuthenticated:
		return "Authenticated"
	case AuthFailed:
		return "Failed"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// Authenticator runs the legacy DESFire mutual authentication (0x0A, 0xAF)
// against a single card. An Authenticator is good for one attempt; build a
// new one to retry.
type Authenticator struct {
	Transport Transport
	Key       []byte
	KeyNo     byte
	Cipher    Cipher
	Random    RandomSource
	Observer  Observer

	mu    sync.Mutex
	state AuthState
}

// NewAuthenticator returns an Authenticator in state Idle.
func NewAuthenticator(t Transport, keyNo byte, key []byte) *Authenticator {
	return &Authenticator{
		Transport: t,
		Key:       key,
		KeyNo:     keyNo,
	}
}

// State returns the current state.
func (a *Authenticator) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authenticator) setState(s AuthState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	emit(a.Observer, "auth state", "state", s.String())
}

// iv returns the chaining value used for every block operation of the
// exchange: the first half of a 16-byte key, or zeros for an 8-byte key.
func (a *Authenticator) iv() []byte {
	iv := make([]byte, 8)
	if len(a.Key) == 16 {
		copy(iv, a.Key[:8])
	}
	return iv
}

func (a *Authenticator) fail(step string, err error) error {
	a.setState(AuthFailed)
	emitErr(a.Observer, step, err)
	return err
}

func (a *Authenticator) exchange(ctx context.Context, op string, cmd []byte) (APDUResponse, error) {
	emit(a.Observer, op+" >>", "apdu", BytesToHex(cmd))
	raw, err := a.Transport.Transceive(ctx, cmd)
	if err != nil {
		return APDUResponse{}, ClassifyTransport(op, err)
	}
	emit(a.Observer, op+" <<", "response", BytesToHex(raw))
	return ParseAPDUResponse(raw)
}

// Authenticate performs the full exchange. On success the state is
// Authenticated. Any failure leaves the state Failed.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	const op = "Authenticate"

	a.mu.Lock()
	if a.state != AuthIdle {
		s := a.state
		a.mu.Unlock()
		return Errorf(ErrCodeInvalidState, op, "authenticator already used (state %s)", s)
	}
	a.state = AuthAwaitingChallenge
	a.mu.Unlock()
	emit(a.Observer, "auth state", "state", AuthAwaitingChallenge.String())

	if len(a.Key) != 8 && len(a.Key) != 16 {
		return a.fail(op, Errorf(ErrCodeInvalidKey, op, "key must be 8 or 16 bytes, got %d", len(a.Key)))
	}

	if a.Cipher.DropsSecondHalf(a.Key) {
		log.Warn().Uint8("keyNo", a.KeyNo).Msg("legacy key mode uses only the first 8 key bytes")
		emit(a.Observer, "key mode", "mode", a.Cipher.Mode.String(), "warning", "second half of key ignored")
	}

	iv := a.iv()

	// Step 1: request the encrypted challenge.
	resp, err := a.exchange(ctx, op+" 1", DESFireAuthAPDU(a.KeyNo))
	if err != nil {
		return a.fail(op, err)
	}
	if !resp.HasMoreFrames() && !(resp.IsComplete() && len(resp.Data) == 8) {
		return a.fail(op, NewAuthRejectedError(op, resp.StatusWord()))
	}

	// Step 2: recover RndB.
	rndB, err := a.Cipher.Decrypt(resp.Data, a.Key, iv)
	if err != nil {
		return a.fail(op, WrapError(ErrCodeDecryption, op, "decrypting RndB", err))
	}
	if len(rndB) != 8 {
		return a.fail(op, Errorf(ErrCodeDecryption, op, "RndB must be 8 bytes, got %d", len(rndB)))
	}
	a.setState(AuthChallengeReceived)
	emit(a.Observer, "rndB", "value", BytesToHex(rndB))

	// Step 3: RndA and the rotated challenge.
	rndBRot := RotateLeftOne(rndB)
	rndA, err := RandomBytes(a.Random, 8)
	if err != nil {
		zero(rndB, rndBRot)
		return a.fail(op, err)
	}
	emit(a.Observer, "rndA", "value", BytesToHex(rndA))

	token := make([]byte, 0, 16)
	token = append(token, rndA...)
	token = append(token, rndBRot...)
	defer zero(rndA, rndB, rndBRot, token)

	// Step 4: send the proof.
	proof, err := a.Cipher.Encrypt(token, a.Key, iv)
	if err != nil {
		return a.fail(op, err)
	}
	a.setState(AuthProofSent)
	resp, err = a.exchange(ctx, op+" 2", DESFireAdditionalFrameAPDU(proof))
	if err != nil {
		return a.fail(op, err)
	}

	// Step 5: the card answers with its own proof.
	if !resp.IsComplete() {
		return a.fail(op, NewAuthRejectedError(op, resp.StatusWord()))
	}

	// Step 6: recover RndA'.
	rndARot, err := a.Cipher.Decrypt(resp.Data, a.Key, iv)
	if err != nil {
		return a.fail(op, WrapError(ErrCodeDecryption, op, "decrypting RndA'", err))
	}
	recovered := RotateRightOne(rndARot)
	defer zero(rndARot, recovered)

	// Step 7: compare.
	if subtle.ConstantTimeCompare(recovered, rndA) != 1 {
		return a.fail(op, NewAuthMismatchError(op))
	}

	a.setState(AuthAuthenticated)
	return nil
}
