package nfc

import "context"

// Transport sends one command APDU to the card and returns the raw response,
// status word included. Implementations own timeouts and report faults as
// NFCErrors of code ErrCodeTransport (see ClassifyTransport).
type Transport interface {
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, cmd []byte) ([]byte, error)

func (f TransportFunc) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	return f(ctx, cmd)
}

// TagHandle is an acquired ISO-DEP session with a DESFire tag.
type TagHandle interface {
	Transport
	UID() string
	Type() string
}

// SessionManager opens and closes the link to a card.
//
// Acquire blocks until a DESFire tag is in the field or ctx ends. Release
// is idempotent and safe to call without a prior Acquire.
//
// Example:
//
//	tag, err := sm.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	defer sm.Release()
type SessionManager interface {
	Acquire(ctx context.Context) (TagHandle, error)
	Release() error
}

// SessionManagerCloser is implemented by session managers that hold a
// reader or device handle beyond a single session.
type SessionManagerCloser interface {
	SessionManager
	Close() error
}
