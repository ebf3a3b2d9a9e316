package nfc

import (
	"context"
	"fmt"
	"sync"
)

// MockTransport is a scripted Transport and SessionManager for tests.
//
// Responses are consumed in order; once exhausted, TransceiveResponse is
// returned. TransceiveFunc, when set, takes precedence over both.
//
// Example:
//
//	mock := nfc.NewMockTransport()
//	mock.Responses = [][]byte{{0x91, 0x00}}
//	tag, _ := mock.Acquire(ctx)
type MockTransport struct {
	// TransceiveFunc allows custom transceive behavior for testing
	TransceiveFunc func(cmd []byte) ([]byte, error)

	// Responses are returned in order by Transceive
	Responses [][]byte

	// TransceiveResponse is the default response once Responses is exhausted
	TransceiveResponse []byte

	// TransceiveError, if set, will be returned by Transceive()
	TransceiveError error

	// AcquireError, if set, will be returned by Acquire()
	AcquireError error

	// ReleaseError, if set, will be returned by Release()
	ReleaseError error

	// TagUID is returned by UID()
	TagUID string

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	// Sent records every command passed to Transceive
	Sent [][]byte

	mu       sync.Mutex
	acquired bool
	releases int
}

// Ensure MockTransport implements SessionManager and TagHandle
var (
	_ SessionManager = (*MockTransport)(nil)
	_ TagHandle      = (*MockTransport)(nil)
)

// NewMockTransport creates a MockTransport that answers 91 00.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		TransceiveResponse: []byte{0x91, 0x00},
		TagUID:             "04112233445566",
		CallLog:            make([]string, 0),
	}
}

func (m *MockTransport) Acquire(ctx context.Context) (TagHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Acquire")
	if m.AcquireError != nil {
		return nil, m.AcquireError
	}
	m.acquired = true
	return m, nil
}

func (m *MockTransport) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Release")
	if m.acquired {
		m.acquired = false
		m.releases++
	}
	return m.ReleaseError
}

// Releases reports how many acquired sessions were released.
func (m *MockTransport) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

func (m *MockTransport) UID() string  { return m.TagUID }
func (m *MockTransport) Type() string { return "Mock DESFire" }

// Transceive simulates one exchange with the card.
func (m *MockTransport) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("Transceive(%d bytes)", len(cmd)))
	m.Sent = append(m.Sent, append([]byte(nil), cmd...))

	if m.TransceiveFunc != nil {
		return m.TransceiveFunc(cmd)
	}

	if m.TransceiveError != nil {
		return nil, m.TransceiveError
	}

	if len(m.Responses) > 0 {
		resp := m.Responses[0]
		m.Responses = m.Responses[1:]
		return resp, nil
	}

	return m.TransceiveResponse, nil
}

// GetCallLog returns a copy of the call log for verification.
func (m *MockTransport) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	logCopy := make([]string, len(m.CallLog))
	copy(logCopy, m.CallLog)
	return logCopy
}

// GetSent returns a copy of the commands sent so far.
func (m *MockTransport) GetSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// ClearCallLog clears the call log.
func (m *MockTransport) ClearCallLog() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = make([]string, 0)
	m.Sent = nil
}
