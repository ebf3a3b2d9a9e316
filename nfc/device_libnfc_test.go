package nfc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/clausecker/nfc/v2"
)

func TestClassifyLibNFC(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind TransportKind
	}{
		{"timeout", nfc.Error(nfc.ETIMEOUT), TransportTimeout},
		{"wrapped timeout", fmt.Errorf("transceive: %w", nfc.Error(nfc.ETIMEOUT)), TransportTimeout},
		{"aborted", nfc.Error(nfc.EOPABORTED), TransportUserCancel},
		{"released", nfc.Error(nfc.ETGRELEASED), TransportTagLost},
		{"rf", nfc.Error(nfc.ERFTRANS), TransportTagLost},
		{"io", nfc.Error(nfc.EIO), TransportIO},
		{"deadline", context.DeadlineExceeded, TransportTimeout},
		{"other", errors.New("usb"), TransportIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := GetTransportKind(classifyLibNFC("Transceive", tt.err))
			if !ok || kind != tt.kind {
				t.Errorf("classifyLibNFC(%v) kind = %s, want %s", tt.err, kind, tt.kind)
			}
		})
	}
}
