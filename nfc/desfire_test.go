package nfc

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

var testAID = [3]byte{'S', 'T', 'A'}

// provision creates testAID with file 1 of the given size on an acquired
// simulator and leaves the application selected.
func provision(t *testing.T, ctx context.Context, d *DESFire, size uint32) {
	t.Helper()
	steps := []func() (APDUResponse, error){
		func() (APDUResponse, error) { return d.SelectPICCLevel(ctx) },
		func() (APDUResponse, error) { return d.CreateApplication(ctx, testAID, 0x0F, 0x01) },
		func() (APDUResponse, error) { return d.SelectApplication(ctx, testAID) },
		func() (APDUResponse, error) { return d.CreateFile(ctx, 0x01, 0x03, 0xEEEE, size) },
	}
	for i, step := range steps {
		resp, err := step()
		if err != nil {
			t.Fatalf("step %d error = %v", i, err)
		}
		if err := expectOK("provision", resp); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestDESFire_ChainedRead(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(make([]byte, 16))
	if _, err := sim.Acquire(ctx); err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	d := NewDESFire(sim, nil)
	provision(t, ctx, d, 100)

	payload := bytes.Repeat([]byte("0123456789"), 10)
	resp, err := d.WriteData(ctx, 0x01, 0, payload)
	if err != nil || !resp.IsComplete() {
		t.Fatalf("WriteData = %v, %v", resp, err)
	}

	resp, err = d.ReadData(ctx, 0x01, 0, 0)
	if err != nil {
		t.Fatalf("ReadData error = %v", err)
	}
	if !resp.IsComplete() {
		t.Errorf("final status = %04X, want 9100", resp.StatusWord())
	}
	if !bytes.Equal(resp.Data, payload) {
		t.Errorf("ReadData = %X, want %X", resp.Data, payload)
	}

	var frames int
	for _, c := range sim.GetCallLog() {
		if strings.HasPrefix(c, "Transceive(90AF") {
			frames++
		}
	}
	if frames != 1 {
		t.Errorf("additional frame requests = %d, want 1 (59 + 41 bytes)", frames)
	}

	// partial read within the first frame
	resp, err = d.ReadData(ctx, 0x01, 10, 5)
	if err != nil || !bytes.Equal(resp.Data, []byte("01234")) {
		t.Errorf("ReadData(10, 5) = %q, %v", resp.Data, err)
	}
}

func TestDESFire_ReadScriptedChain(t *testing.T) {
	mock := NewMockTransport()
	mock.Responses = [][]byte{
		{0x01, 0x02, 0x91, 0xAF},
		{0x03, 0x91, 0xAF},
		{0x04, 0x05, 0x91, 0x00},
	}
	transcript := NewTranscript(nil)
	resp, err := NewDESFire(mock, transcript).ReadData(context.Background(), 0x01, 0, 0)
	if err != nil {
		t.Fatalf("ReadData error = %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{1, 2, 3, 4, 5}) || resp.StatusWord() != SWOperationOK {
		t.Errorf("ReadData = %s", resp)
	}

	sent := mock.GetSent()
	if len(sent) != 3 {
		t.Fatalf("sent %d commands, want 3", len(sent))
	}
	for _, cmd := range sent[1:] {
		if BytesToHex(cmd) != "90AF000000" {
			t.Errorf("continuation = %X, want 90AF000000", cmd)
		}
	}
	if transcript.Len() != 6 {
		t.Errorf("transcript has %d events, want 6", transcript.Len())
	}
}

func TestDESFire_ReadStopsOnError(t *testing.T) {
	mock := NewMockTransport()
	mock.Responses = [][]byte{{0x01, 0x91, 0xAF}, {0x91, 0xCA}}
	resp, err := NewDESFire(mock, nil).ReadData(context.Background(), 0x01, 0, 0)
	if err != nil {
		t.Fatalf("ReadData error = %v", err)
	}
	if resp.StatusWord() != SWCommandAborted {
		t.Errorf("status = %04X, want 91CA", resp.StatusWord())
	}
	if err := expectOK("Read Data", resp); GetStatusWord(err) != SWCommandAborted {
		t.Errorf("expectOK = %v", err)
	}
}

func TestDESFire_ReadFrameCap(t *testing.T) {
	mock := NewMockTransport()
	mock.TransceiveFunc = func(cmd []byte) ([]byte, error) {
		return []byte{0xAA, 0x91, 0xAF}, nil
	}
	_, err := NewDESFire(mock, nil).ReadData(context.Background(), 0x01, 0, 0)
	if GetErrorCode(err) != ErrCodeInvalidParameter {
		t.Fatalf("error = %v, want InvalidParameter", err)
	}
	if n := len(mock.GetSent()); n != maxReadFrames {
		t.Errorf("sent %d commands, want %d", n, maxReadFrames)
	}
}

func TestDESFire_WriteFrameLimit(t *testing.T) {
	mock := NewMockTransport()
	d := NewDESFire(mock, nil)

	if _, err := d.WriteData(context.Background(), 0x01, 0, make([]byte, 249)); GetErrorCode(err) != ErrCodeInvalidParameter {
		t.Errorf("249 byte write error = %v, want InvalidParameter", err)
	}
	if len(mock.GetSent()) != 0 {
		t.Error("oversize write reached the transport")
	}

	resp, err := d.WriteData(context.Background(), 0x01, 0, make([]byte, 248))
	if err != nil || !resp.IsComplete() {
		t.Errorf("248 byte write = %v, %v", resp, err)
	}
	sent := mock.GetSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(sent))
	}
	if sent[0][4] != 0xFF {
		t.Errorf("Lc = %X, want FF", sent[0][4])
	}
}

func TestDESFire_CardRefusal(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(make([]byte, 16))
	if _, err := sim.Acquire(ctx); err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	d := NewDESFire(sim, nil)

	resp, err := d.SelectApplication(ctx, testAID)
	if err != nil {
		t.Fatalf("SelectApplication error = %v", err)
	}
	if resp.StatusWord() != SWAppNotFound {
		t.Errorf("status = %04X, want 91A0", resp.StatusWord())
	}
	err = expectOK("Select App", resp)
	if GetErrorCode(err) != ErrCodeUnsuccessfulStatus || GetStatusWord(err) != SWAppNotFound {
		t.Errorf("expectOK = %v", err)
	}

	// files cannot be created at the PICC level
	resp, _ = d.CreateFile(ctx, 0x01, 0x03, 0xEEEE, 12)
	if resp.StatusWord() != SWPermissionDenied {
		t.Errorf("CreateFile at PICC level status = %04X, want 919D", resp.StatusWord())
	}
}

func TestDESFire_TransportFaults(t *testing.T) {
	mock := NewMockTransport()
	mock.Responses = [][]byte{{0x91}}
	transcript := NewTranscript(nil)
	d := NewDESFire(mock, transcript)

	if _, err := d.SelectPICCLevel(context.Background()); GetErrorCode(err) != ErrCodeShortResponse {
		t.Errorf("short response error = %v, want ShortResponse", err)
	}
	events := transcript.Events()
	if last := events[len(events)-1]; last.Err == "" {
		t.Errorf("last event %+v carries no error", last)
	}

	mock.TransceiveError = ErrTimeout
	if _, err := d.ReadData(context.Background(), 0x01, 0, 0); !IsTimeoutError(err) {
		t.Errorf("ReadData error = %v, want timeout", err)
	}
}

func TestDESFire_Authenticate(t *testing.T) {
	ctx := context.Background()
	key := HexToBytes("00112233445566778899AABBCCDDEEFF")
	sim := NewSimulator(key)
	sim.Cipher = Cipher{Mode: KeyModeTripleDES}
	if _, err := sim.Acquire(ctx); err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	d := NewDESFire(sim, nil)

	if err := d.Authenticate(ctx, 0, key, WithKeyMode(KeyModeTripleDES), WithRandom(NewFixedRandom(testRndA))); err != nil {
		t.Errorf("Authenticate 3des error = %v", err)
	}
	// the card rejects a host that keys single DES
	if err := d.Authenticate(ctx, 0, key); !IsAuthError(err) {
		t.Errorf("Authenticate legacy error = %v, want auth error", err)
	}
	// key 1 does not exist at the PICC level
	if err := d.Authenticate(ctx, 1, key, WithKeyMode(KeyModeTripleDES)); GetStatusWord(err) != SWNoSuchKey {
		t.Errorf("Authenticate key 1 error = %v, want 9140", err)
	}
}

func TestDESFire_GetFileSettings(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(make([]byte, 16))
	if _, err := sim.Acquire(ctx); err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	d := NewDESFire(sim, nil)
	provision(t, ctx, d, 12)

	resp, err := d.GetFileSettings(ctx, 0x01)
	if err != nil || !resp.IsComplete() {
		t.Fatalf("GetFileSettings = %v, %v", resp, err)
	}
	settings, err := ParseFileSettings(resp.Data)
	if err != nil {
		t.Fatalf("ParseFileSettings error = %v", err)
	}
	want := FileSettings{FileType: 0x00, CommMode: 0x03, AccessRights: 0xEEEE, Size: 12}
	if settings != want {
		t.Errorf("settings = %+v, want %+v", settings, want)
	}

	resp, err = d.GetFileSettings(ctx, 0x05)
	if err != nil || resp.StatusWord() != SWFileNotFound {
		t.Errorf("missing file = %v, %v, want 91F0", resp, err)
	}

	if _, err := ParseFileSettings([]byte{0x00, 0x03}); GetErrorCode(err) != ErrCodeInvalidParameter {
		t.Errorf("short record error = %v, want InvalidParameter", err)
	}
}
