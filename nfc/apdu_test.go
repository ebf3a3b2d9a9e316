package nfc

import (
	"bytes"
	"testing"
)

func TestParseAPDUResponse(t *testing.T) {
	resp, err := ParseAPDUResponse([]byte{0x01, 0x02, 0x91, 0x00})
	if err != nil {
		t.Fatalf("ParseAPDUResponse error = %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{0x01, 0x02}) {
		t.Errorf("Data = %X, want 0102", resp.Data)
	}
	if resp.SW1 != 0x91 || resp.SW2 != 0x00 || resp.StatusWord() != SWOperationOK {
		t.Errorf("status = %02X %02X", resp.SW1, resp.SW2)
	}
	if !resp.IsSuccess() || !resp.IsComplete() || resp.HasMoreFrames() {
		t.Errorf("IsSuccess=%v IsComplete=%v HasMoreFrames=%v", resp.IsSuccess(), resp.IsComplete(), resp.HasMoreFrames())
	}
	if resp.String() != "0102 SW=9100" {
		t.Errorf("String() = %q", resp.String())
	}

	for _, raw := range [][]byte{nil, {0xAE}} {
		_, err := ParseAPDUResponse(raw)
		if GetErrorCode(err) != ErrCodeShortResponse {
			t.Errorf("ParseAPDUResponse(%X) error = %v, want ShortResponse", raw, err)
		}
	}
}

func TestAPDUResponse_Status(t *testing.T) {
	tests := []struct {
		raw      []byte
		success  bool
		complete bool
		more     bool
		errCode  ErrorCode
	}{
		{[]byte{0x91, 0x00}, true, true, false, 0},
		{[]byte{0xAA, 0x91, 0xAF}, true, false, true, 0},
		{[]byte{0x91, 0xAE}, true, false, false, ErrCodeUnsuccessfulStatus},
		{[]byte{0x91, 0xDE}, true, false, false, ErrCodeUnsuccessfulStatus},
		{[]byte{0x90, 0x00}, false, false, false, ErrCodeUnsuccessfulStatus},
		{[]byte{0x6A, 0x82}, false, false, false, ErrCodeUnsuccessfulStatus},
	}
	for _, tt := range tests {
		resp, err := ParseAPDUResponse(tt.raw)
		if err != nil {
			t.Fatalf("ParseAPDUResponse(%X) error = %v", tt.raw, err)
		}
		if resp.IsSuccess() != tt.success || resp.IsComplete() != tt.complete || resp.HasMoreFrames() != tt.more {
			t.Errorf("%X: success=%v complete=%v more=%v", tt.raw, resp.IsSuccess(), resp.IsComplete(), resp.HasMoreFrames())
		}
		err = resp.Err("op")
		if GetErrorCode(err) != tt.errCode {
			t.Errorf("%X: Err() = %v, want code %v", tt.raw, err, tt.errCode)
		}
		if err != nil && GetStatusWord(err) != resp.StatusWord() {
			t.Errorf("%X: status word in error = %04X", tt.raw, GetStatusWord(err))
		}
	}
}

func TestBuildAPDUBytes(t *testing.T) {
	le := byte(0x00)
	tests := []struct {
		name     string
		apdu     APDU
		expected string
	}{
		{"header only", APDU{CLA: 0x90, INS: 0x60}, "90600000"},
		{"le only", APDU{CLA: 0x90, INS: 0x60, Le: &le}, "9060000000"},
		{"data no le", APDU{CLA: 0x00, INS: 0xA4, P1: 0x04, Data: []byte{0xD2, 0x76}}, "00A4040002D276"},
		{"data and le", APDU{CLA: 0x90, INS: 0x5A, Data: []byte{1, 2, 3}, Le: &le}, "905A00000301020300"},
		{"empty data is omitted", APDU{CLA: 0x90, INS: 0xAF, Data: []byte{}, Le: &le}, "90AF000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BytesToHex(BuildAPDU(tt.apdu)); got != tt.expected {
				t.Errorf("BuildAPDU = %s, want %s", got, tt.expected)
			}
			if got := tt.apdu.String(); got != tt.expected {
				t.Errorf("String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestDESFireCommands(t *testing.T) {
	sta := [3]byte{'S', 'T', 'A'}
	tests := []struct {
		name     string
		cmd      []byte
		expected string
	}{
		{"select PICC", DESFireSelectAppAPDU(PICCLevelAID), "905A00000300000000"},
		{"select STA", DESFireSelectAppAPDU(sta), "905A00000353544100"},
		{"create app", DESFireCreateAppAPDU(sta, 0x0F, 0x01), "90CA000005535441" + "0F0100"},
		{"create file", DESFireCreateStdFileAPDU(0x01, 0x03, 0xEEEE, 12), "90CD000007" + "0103EEEE0C0000" + "00"},
		{"create file big", DESFireCreateStdFileAPDU(0x02, 0x00, 0x1234, 0x0A0B0C), "90CD000007" + "020034120C0B0A" + "00"},
		{"read whole file", DESFireReadDataAPDU(0x01, 0, 0), "90BD000007" + "01000000000000" + "00"},
		{"read range", DESFireReadDataAPDU(0x01, 0x10, 0x20), "90BD000007" + "01100000200000" + "00"},
		{"file settings", DESFireGetFileSettingsAPDU(0x01), "90F50000010100"},
		{"write", DESFireWriteDataAPDU(0x01, 0, []byte("AB")), "903D000009" + "01000000020000" + "4142" + "00"},
		{"auth key 0", DESFireAuthAPDU(0), "900A0000010000"},
		{"auth key 3", DESFireAuthAPDU(3), "900A0000010300"},
		{"additional frame", DESFireAdditionalFrameAPDU(nil), "90AF000000"},
		{"additional frame data", DESFireAdditionalFrameAPDU([]byte{0xAA, 0xBB}), "90AF000002AABB00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BytesToHex(tt.cmd); got != tt.expected {
				t.Errorf("got %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestStatusText(t *testing.T) {
	if got := StatusText(SWAuthError); got != "authentication error" {
		t.Errorf("StatusText(91AE) = %q", got)
	}
	if got := StatusText(0x6A82); got != "unknown status" {
		t.Errorf("StatusText(6A82) = %q", got)
	}
}
