package nfc

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNFCError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *NFCError
		want string
	}{
		{"message only", &NFCError{Message: "boom"}, "boom"},
		{"with op", Errorf(ErrCodeInvalidKey, "Options", "key must be 8 or 16 bytes, got %d", 4), "Options: key must be 8 or 16 bytes, got 4"},
		{"with status", NewStatusError("Select App", SWAppNotFound), "Select App: unsuccessful status (SW=91A0 application not found)"},
		{"with cause", WrapError(ErrCodeDecryption, "Authenticate", "decrypting RndB", errors.New("bad block")), "Authenticate: decrypting RndB: bad block"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNFCError_IsAndAs(t *testing.T) {
	inner := NewBlockLengthError("DESCBCDecrypt", 7)
	err := fmt.Errorf("outer: %w", WrapError(ErrCodeDecryption, "Authenticate", "decrypting", inner))

	if !errors.Is(err, &NFCError{Code: ErrCodeDecryption}) {
		t.Error("errors.Is does not match the outer code")
	}
	if !errors.Is(err, &NFCError{Code: ErrCodeInvalidBlockLength}) {
		t.Error("errors.Is does not match the wrapped code")
	}
	if errors.Is(err, &NFCError{Code: ErrCodeAuthMismatch}) {
		t.Error("errors.Is matched an unrelated code")
	}
	if GetErrorCode(err) != ErrCodeDecryption {
		t.Errorf("GetErrorCode = %s", GetErrorCode(err))
	}
	if GetErrorCode(errors.New("plain")) != 0 || GetErrorCode(nil) != 0 {
		t.Error("GetErrorCode of a non-NFC error should be 0")
	}
}

func TestClassifyTransport(t *testing.T) {
	lost := NewTagLostError("Transceive", ErrNoTag)
	tests := []struct {
		name string
		err  error
		code ErrorCode
		kind TransportKind
	}{
		{"cancel", context.Canceled, ErrCodeTransport, TransportUserCancel},
		{"deadline", context.DeadlineExceeded, ErrCodeTransport, TransportTimeout},
		{"wrapped deadline", fmt.Errorf("scard: %w", context.DeadlineExceeded), ErrCodeTransport, TransportTimeout},
		{"sentinel timeout", ErrTimeout, ErrCodeTransport, TransportTimeout},
		{"io", errors.New("usb reset"), ErrCodeTransport, TransportIO},
		{"already classified", lost, ErrCodeTransport, TransportTagLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyTransport("op", tt.err)
			if GetErrorCode(err) != tt.code {
				t.Fatalf("code = %s, want %s", GetErrorCode(err), tt.code)
			}
			kind, ok := GetTransportKind(err)
			if !ok || kind != tt.kind {
				t.Errorf("kind = %s, %v, want %s", kind, ok, tt.kind)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error does not wrap the original")
			}
		})
	}

	if ClassifyTransport("op", nil) != nil {
		t.Error("ClassifyTransport(nil) != nil")
	}
	if ClassifyTransport("op", lost) != error(lost) {
		t.Error("an NFCError should pass through unchanged")
	}
	status := NewStatusError("Select App", SWAppNotFound)
	if got := ClassifyTransport("op", status); GetErrorCode(got) != ErrCodeUnsuccessfulStatus {
		t.Errorf("status error reclassified as %s", GetErrorCode(got))
	}
}

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name                                       string
		err                                        error
		transport, timeout, cancel, tagLost, authE bool
	}{
		{"timeout", NewTimeoutError("x", nil), true, true, false, false, false},
		{"cancel", NewCancelError("x", nil), true, false, true, false, false},
		{"tag lost", NewTagLostError("x", nil), true, false, false, true, false},
		{"io", NewTransportError("x", TransportIO, nil), true, false, false, false, false},
		{"rejected", NewAuthRejectedError("x", SWAuthError), false, false, false, false, true},
		{"mismatch", NewAuthMismatchError("x"), false, false, false, false, true},
		{"status", NewStatusError("x", SWAuthError), false, false, false, false, false},
		{"nil", nil, false, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsTransportError(tt.err) != tt.transport ||
				IsTimeoutError(tt.err) != tt.timeout ||
				IsCancelError(tt.err) != tt.cancel ||
				IsTagLostError(tt.err) != tt.tagLost ||
				IsAuthError(tt.err) != tt.authE {
				t.Errorf("predicates disagree for %v", tt.err)
			}
		})
	}
}

func TestTransportKind_ParseRoundTrip(t *testing.T) {
	for _, k := range []TransportKind{TransportIO, TransportTimeout, TransportUserCancel, TransportTagLost} {
		if got := ParseTransportKind(k.String()); got != k {
			t.Errorf("ParseTransportKind(%q) = %s", k.String(), got)
		}
	}
	if ParseTransportKind("unplugged") != TransportIO {
		t.Error("unknown names should map to io")
	}
}

func TestGetStatusWord(t *testing.T) {
	err := fmt.Errorf("write: %w", NewStatusError("Write Data", SWBoundaryError))
	if GetStatusWord(err) != SWBoundaryError {
		t.Errorf("GetStatusWord = %04X", GetStatusWord(err))
	}
	if GetStatusWord(NewTimeoutError("x", nil)) != 0 {
		t.Error("transport errors carry no status word")
	}
}

func TestIsNoCardError(t *testing.T) {
	if !IsNoCardError(&noCardError{ReaderName: "ACR122U"}) {
		t.Error("noCardError not recognised")
	}
	if !IsNoCardError(fmt.Errorf("connect: %w", ErrNoTag)) {
		t.Error("wrapped ErrNoTag not recognised")
	}
	if IsNoCardError(ErrTimeout) || IsNoCardError(nil) {
		t.Error("unrelated errors reported as no card")
	}
}
