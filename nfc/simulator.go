package nfc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// simFrameSize is the payload size of one ReadData frame on a real card.
const simFrameSize = 59

type simFile struct {
	commMode     byte
	accessRights uint16
	data         []byte
}

type simApp struct {
	keySettings byte
	numKeys     byte
	files       map[byte]*simFile
}

// Simulator is an in-memory DESFire EV1 card behind a SessionManager. It
// understands the native commands this package sends and nothing else.
//
// Example:
//
//	sim := nfc.NewSimulator(make([]byte, 16))
//	res, err := nfc.RunWrite(ctx, sim, opts)
type Simulator struct {
	// Key is the card key used for every key number.
	Key []byte

	// Cipher must match the host's key mode.
	Cipher Cipher

	// Random supplies RndB. Nil uses DefaultRandom.
	Random RandomSource

	// Present controls whether Acquire finds a tag.
	Present bool

	// SerialNumber is reported as the tag UID.
	SerialNumber string

	// TransceiveHook, when set, runs before every command. A non-nil error
	// is returned to the host instead of a card response.
	TransceiveHook func(cmd []byte) error

	// CallLog tracks session and transceive calls for verification in tests.
	CallLog []string

	mu       sync.Mutex
	apps     map[[3]byte]*simApp
	selected [3]byte
	acquired bool
	releases int

	// pending auth and chained read state
	rndB    []byte
	pending []byte
}

// Ensure Simulator implements SessionManager and TagHandle
var (
	_ SessionManager = (*Simulator)(nil)
	_ TagHandle      = (*Simulator)(nil)
)

// NewSimulator returns a present, empty card using key for every key number.
func NewSimulator(key []byte) *Simulator {
	return &Simulator{
		Key:          append([]byte(nil), key...),
		Present:      true,
		SerialNumber: "04A1B2C3D4E5F6",
		apps:         make(map[[3]byte]*simApp),
	}
}

// Acquire waits for the tag to be present and resets the card session.
func (s *Simulator) Acquire(ctx context.Context) (TagHandle, error) {
	for {
		s.mu.Lock()
		s.CallLog = append(s.CallLog, "Acquire")
		if s.Present {
			s.acquired = true
			s.selected = PICCLevelAID
			s.rndB = nil
			s.pending = nil
			s.mu.Unlock()
			return s, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ClassifyTransport("Acquire", ctx.Err())
		case <-time.After(AcquirePollDelay):
		}
	}
}

// Release ends the session. It is idempotent.
func (s *Simulator) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallLog = append(s.CallLog, "Release")
	if s.acquired {
		s.acquired = false
		s.releases++
	}
	return nil
}

// Releases reports how many sessions have been closed.
func (s *Simulator) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// GetCallLog returns a copy of the call log.
func (s *Simulator) GetCallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.CallLog))
	copy(out, s.CallLog)
	return out
}

func (s *Simulator) UID() string  { return s.SerialNumber }
func (s *Simulator) Type() string { return "MIFARE DESFire EV1 (simulated)" }

// FileData returns a copy of a stored file, for tests.
func (s *Simulator) FileData(aid [3]byte, fileID byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[aid]
	if !ok {
		return nil, false
	}
	f, ok := app.files[fileID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Transceive processes one wrapped native command.
func (s *Simulator) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ClassifyTransport("Transceive", err)
	}

	s.mu.Lock()
	s.CallLog = append(s.CallLog, fmt.Sprintf("Transceive(%s)", BytesToHex(cmd)))
	hook := s.TransceiveHook
	acquired := s.acquired
	s.mu.Unlock()

	if !acquired {
		return nil, NewTransportError("Transceive", TransportIO, ErrNotAcquired)
	}
	if hook != nil {
		if err := hook(cmd); err != nil {
			return nil, ClassifyTransport("Transceive", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, sw := s.process(cmd)
	out := make([]byte, 0, len(data)+2)
	out = append(out, data...)
	return append(out, byte(sw>>8), byte(sw)), nil
}

// unwrap validates the ISO7816 envelope and returns INS and data.
func unwrap(cmd []byte) (ins byte, data []byte, ok bool) {
	if len(cmd) < 5 || cmd[0] != CLADESFire || cmd[2] != 0 || cmd[3] != 0 {
		return 0, nil, false
	}
	if len(cmd) == 5 {
		return cmd[1], nil, true
	}
	lc := int(cmd[4])
	if len(cmd) != 4+1+lc+1 {
		return 0, nil, false
	}
	return cmd[1], cmd[5 : 5+lc], true
}

func (s *Simulator) process(cmd []byte) ([]byte, uint16) {
	ins, data, ok := unwrap(cmd)
	if !ok {
		s.rndB, s.pending = nil, nil
		return nil, SWLengthError
	}

	if ins != DFCmdAdditionalFrame {
		s.rndB, s.pending = nil, nil
	}

	switch ins {
	case DFCmdSelectApplication:
		return s.selectApp(data)
	case DFCmdCreateApplication:
		return s.createApp(data)
	case DFCmdCreateStdDataFile:
		return s.createFile(data)
	case DFCmdWriteData:
		return s.writeData(data)
	case DFCmdReadData:
		return s.readData(data)
	case DFCmdGetFileSettings:
		return s.fileSettings(data)
	case DFCmdAuthenticate:
		return s.authenticate(data)
	case DFCmdAdditionalFrame:
		return s.additionalFrame(data)
	default:
		return nil, SWIllegalCommand
	}
}

func (s *Simulator) selectApp(data []byte) ([]byte, uint16) {
	if len(data) != 3 {
		return nil, SWLengthError
	}
	var aid [3]byte
	copy(aid[:], data)
	if aid != PICCLevelAID {
		if _, ok := s.apps[aid]; !ok {
			return nil, SWAppNotFound
		}
	}
	s.selected = aid
	return nil, SWOperationOK
}

func (s *Simulator) createApp(data []byte) ([]byte, uint16) {
	if len(data) != 5 {
		return nil, SWLengthError
	}
	if s.selected != PICCLevelAID {
		return nil, SWPermissionDenied
	}
	var aid [3]byte
	copy(aid[:], data)
	if aid == PICCLevelAID {
		return nil, SWParameterError
	}
	if _, ok := s.apps[aid]; ok {
		return nil, SWDuplicateError
	}
	numKeys := data[4] & 0x0F
	if numKeys == 0 || numKeys > 14 {
		return nil, SWParameterError
	}
	s.apps[aid] = &simApp{
		keySettings: data[3],
		numKeys:     numKeys,
		files:       make(map[byte]*simFile),
	}
	return nil, SWOperationOK
}

func (s *Simulator) currentApp() *simApp {
	if s.selected == PICCLevelAID {
		return nil
	}
	return s.apps[s.selected]
}

func (s *Simulator) createFile(data []byte) ([]byte, uint16) {
	if len(data) != 7 {
		return nil, SWLengthError
	}
	app := s.currentApp()
	if app == nil {
		return nil, SWPermissionDenied
	}
	fileID := data[0]
	if fileID > 0x1F {
		return nil, SWParameterError
	}
	if _, ok := app.files[fileID]; ok {
		return nil, SWDuplicateError
	}
	app.files[fileID] = &simFile{
		commMode:     data[1],
		accessRights: uint16(data[2]) | uint16(data[3])<<8,
		data:         make([]byte, uint24(data[4:7])),
	}
	return nil, SWOperationOK
}

func (s *Simulator) lookupFile(fileID byte) (*simFile, uint16) {
	app := s.currentApp()
	if app == nil {
		return nil, SWPermissionDenied
	}
	f, ok := app.files[fileID]
	if !ok {
		return nil, SWFileNotFound
	}
	return f, SWOperationOK
}

func (s *Simulator) writeData(data []byte) ([]byte, uint16) {
	if len(data) < 7 {
		return nil, SWLengthError
	}
	f, sw := s.lookupFile(data[0])
	if f == nil {
		return nil, sw
	}
	offset := int(uint24(data[1:4]))
	length := int(uint24(data[4:7]))
	payload := data[7:]
	if length != len(payload) {
		return nil, SWLengthError
	}
	if offset+length > len(f.data) {
		return nil, SWBoundaryError
	}
	copy(f.data[offset:], payload)
	return nil, SWOperationOK
}

func (s *Simulator) fileSettings(data []byte) ([]byte, uint16) {
	if len(data) != 1 {
		return nil, SWLengthError
	}
	f, sw := s.lookupFile(data[0])
	if f == nil {
		return nil, sw
	}
	out := []byte{0x00, f.commMode, byte(f.accessRights), byte(f.accessRights >> 8), 0, 0, 0}
	putUint24(out[4:], uint32(len(f.data)))
	return out, SWOperationOK
}

func (s *Simulator) readData(data []byte) ([]byte, uint16) {
	if len(data) != 7 {
		return nil, SWLengthError
	}
	f, sw := s.lookupFile(data[0])
	if f == nil {
		return nil, sw
	}
	offset := int(uint24(data[1:4]))
	length := int(uint24(data[4:7]))
	if offset > len(f.data) {
		return nil, SWBoundaryError
	}
	if length == 0 {
		length = len(f.data) - offset
	}
	if offset+length > len(f.data) {
		return nil, SWBoundaryError
	}
	s.pending = append([]byte(nil), f.data[offset:offset+length]...)
	return s.nextFrame()
}

func (s *Simulator) nextFrame() ([]byte, uint16) {
	if len(s.pending) <= simFrameSize {
		out := s.pending
		s.pending = nil
		return out, SWOperationOK
	}
	out := s.pending[:simFrameSize]
	s.pending = s.pending[simFrameSize:]
	return out, SWAdditionalFrame
}

func (s *Simulator) keyIV() []byte {
	iv := make([]byte, 8)
	if len(s.Key) == 16 {
		copy(iv, s.Key[:8])
	}
	return iv
}

func (s *Simulator) authenticate(data []byte) ([]byte, uint16) {
	if len(data) != 1 {
		return nil, SWLengthError
	}
	numKeys := byte(1)
	if app := s.currentApp(); app != nil {
		numKeys = app.numKeys
	}
	if data[0] >= numKeys {
		return nil, SWNoSuchKey
	}
	rndB, err := RandomBytes(s.Random, 8)
	if err != nil {
		return nil, SWCommandAborted
	}
	enc, err := s.Cipher.Encrypt(rndB, s.Key, s.keyIV())
	if err != nil {
		return nil, SWIntegrityError
	}
	s.rndB = rndB
	return enc, SWAdditionalFrame
}

func (s *Simulator) additionalFrame(data []byte) ([]byte, uint16) {
	switch {
	case s.rndB != nil:
		return s.completeAuth(data)
	case s.pending != nil:
		return s.nextFrame()
	default:
		return nil, SWCommandAborted
	}
}

func (s *Simulator) completeAuth(data []byte) ([]byte, uint16) {
	rndB := s.rndB
	s.rndB = nil
	if len(data) != 16 {
		return nil, SWLengthError
	}
	iv := s.keyIV()
	plain, err := s.Cipher.Decrypt(data, s.Key, iv)
	if err != nil {
		return nil, SWIntegrityError
	}
	rndA := plain[:8]
	expected := RotateLeftOne(rndB)
	for i := range expected {
		if plain[8+i] != expected[i] {
			return nil, SWAuthError
		}
	}
	enc, err := s.Cipher.Encrypt(RotateLeftOne(rndA), s.Key, iv)
	if err != nil {
		return nil, SWIntegrityError
	}
	return enc, SWOperationOK
}
