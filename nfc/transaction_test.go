package nfc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = time.Second
	return opts
}

func stepNames(res *TransactionResult) []string {
	names := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		names[i] = s.Name
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lastEvent(res *TransactionResult) Event {
	if len(res.Transcript) == 0 {
		return Event{}
	}
	return res.Transcript[len(res.Transcript)-1]
}

func TestRunWriteThenRead(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(make([]byte, 16))
	opts := testOptions()

	res, err := RunWrite(ctx, sim, opts)
	if err != nil {
		t.Fatalf("RunWrite error = %v", err)
	}
	want := []string{"Select PICC Level App", "Create App", "Select App", "Create File", "Write Data"}
	if got := stepNames(res); !equalStrings(got, want) {
		t.Errorf("write steps = %v, want %v", got, want)
	}
	if res.UID != "04A1B2C3D4E5F6" || res.Kind != KindWrite {
		t.Errorf("result = %+v", res)
	}
	data, ok := sim.FileData(opts.AID, opts.FileID)
	if !ok || len(data) != MaxPayloadSize || string(bytes.TrimRight(data, "\x00")) != "EAL MKK 3 UE" {
		t.Errorf("stored file = %q, %v", data, ok)
	}

	// the second write finds the application and file in place
	res, err = RunWrite(ctx, sim, opts)
	if err != nil {
		t.Fatalf("second RunWrite error = %v", err)
	}
	want = []string{"Select PICC Level App", "Create App", "Select App", "Create File", "Get File Settings", "Write Data"}
	if got := stepNames(res); !equalStrings(got, want) {
		t.Fatalf("second write steps = %v, want %v", got, want)
	}
	if res.Steps[1].Status != StatusText(SWDuplicateError) || res.Steps[3].Status != StatusText(SWDuplicateError) {
		t.Errorf("second write steps = %+v", res.Steps)
	}

	res, err = RunRead(ctx, sim, opts)
	if err != nil {
		t.Fatalf("RunRead error = %v", err)
	}
	if res.Text != "EAL MKK 3 UE" {
		t.Errorf("Text = %q", res.Text)
	}
	want = []string{"Select PICC Level App", "Select App", "Read Data"}
	if got := stepNames(res); !equalStrings(got, want) {
		t.Errorf("read steps = %v, want %v", got, want)
	}
	if e := lastEvent(res); e.Step != "STORED DATA" || e.Fields["text"] != "EAL MKK 3 UE" {
		t.Errorf("last event = %+v", e)
	}
	if sim.Releases() != 3 {
		t.Errorf("Releases = %d, want 3", sim.Releases())
	}
}

func TestRunWrite_ShorterRewrite(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(make([]byte, 16))
	opts := testOptions()

	if _, err := RunWrite(ctx, sim, opts); err != nil {
		t.Fatalf("RunWrite error = %v", err)
	}
	opts.Payload = TextToBytes("HI")
	if _, err := RunWrite(ctx, sim, opts); err != nil {
		t.Fatalf("shorter RunWrite error = %v", err)
	}

	res, err := RunRead(ctx, sim, opts)
	if err != nil {
		t.Fatalf("RunRead error = %v", err)
	}
	if res.Text != "HI" {
		t.Errorf("Text = %q, want HI", res.Text)
	}

	// a longer rewrite fits the maximum-size file
	opts.Payload = bytes.Repeat([]byte("A"), MaxPayloadSize)
	if _, err := RunWrite(ctx, sim, opts); err != nil {
		t.Fatalf("longer RunWrite error = %v", err)
	}
	if res, err = RunRead(ctx, sim, opts); err != nil || res.Text != string(opts.Payload) {
		t.Errorf("RunRead = %q, %v", res.Text, err)
	}
}

func TestRunWrite_ExistingSmallFile(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(make([]byte, 16))
	if _, err := sim.Acquire(ctx); err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	provision(t, ctx, NewDESFire(sim, nil), 12)
	_ = sim.Release()

	opts := testOptions()
	opts.Payload = TextToBytes("HI")
	if _, err := RunWrite(ctx, sim, opts); err != nil {
		t.Fatalf("RunWrite error = %v", err)
	}
	data, _ := sim.FileData(opts.AID, opts.FileID)
	if want := append([]byte("HI"), make([]byte, 10)...); !bytes.Equal(data, want) {
		t.Errorf("stored file = %X, want %X", data, want)
	}

	opts.Payload = bytes.Repeat([]byte("B"), 20)
	res, err := RunWrite(ctx, sim, opts)
	if GetErrorCode(err) != ErrCodeInvalidParameter {
		t.Fatalf("oversized rewrite error = %v, want InvalidParameter", err)
	}
	if names := stepNames(res); names[len(names)-1] != "Get File Settings" {
		t.Errorf("steps = %v, want no Write Data", names)
	}
	if after, _ := sim.FileData(opts.AID, opts.FileID); !bytes.Equal(after, data) {
		t.Errorf("file changed to %X", after)
	}
}

func TestRun_SelectPICCLevelFailure(t *testing.T) {
	for _, kind := range []TransactionKind{KindAuthenticate, KindWrite, KindRead} {
		t.Run(string(kind), func(t *testing.T) {
			mock := NewMockTransport()
			mock.Responses = [][]byte{{0x91, 0xCA}}

			res, err := Run(context.Background(), kind, mock, testOptions())
			if GetStatusWord(err) != SWCommandAborted {
				t.Fatalf("error = %v, want 91CA", err)
			}
			if sent := mock.GetSent(); len(sent) != 1 {
				t.Errorf("sent %d commands after a failed select", len(sent))
			}
			if got := stepNames(res); !equalStrings(got, []string{"Select PICC Level App"}) {
				t.Errorf("steps = %v", got)
			}
		})
	}
}

func TestRunAuthenticate(t *testing.T) {
	key := HexToBytes("00112233445566778899AABBCCDDEEFF")
	sim := NewSimulator(key)
	opts := testOptions()
	opts.Key = key

	res, err := RunAuthenticate(context.Background(), sim, opts)
	if err != nil {
		t.Fatalf("RunAuthenticate error = %v", err)
	}
	if len(res.Transcript) == 0 || res.Transcript[0].Step != "tag data" {
		t.Fatalf("first event = %+v, want tag data", res.Transcript)
	}
	if res.Transcript[0].Fields["uid"] != sim.SerialNumber {
		t.Errorf("tag data uid = %q", res.Transcript[0].Fields["uid"])
	}
	if e := lastEvent(res); e.Step != "AUTHEN SUCCESS" {
		t.Errorf("last event = %+v, want AUTHEN SUCCESS", e)
	}
	for i, e := range res.Transcript {
		if e.Seq != i+1 {
			t.Fatalf("event %d has Seq %d", i, e.Seq)
		}
	}
}

func TestRunAuthenticate_WrongKey(t *testing.T) {
	sim := NewSimulator(make([]byte, 16))
	opts := testOptions()
	opts.Key = HexToBytes("02000000000000000000000000000000")

	res, err := RunAuthenticate(context.Background(), sim, opts)
	if GetErrorCode(err) != ErrCodeAuthRejected || GetStatusWord(err) != SWAuthError {
		t.Fatalf("error = %v, want AuthenticationRejected 91AE", err)
	}
	if e := lastEvent(res); e.Step != "WARN: NFC Error" || e.Err == "" {
		t.Errorf("last event = %+v, want WARN: NFC Error", e)
	}
	if sim.Releases() != 1 {
		t.Errorf("Releases = %d, want 1", sim.Releases())
	}
}

func TestRun_Cancelled(t *testing.T) {
	sim := NewSimulator(make([]byte, 16))
	sim.Present = false

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := RunRead(ctx, sim, testOptions())
	if err != nil {
		t.Fatalf("cancelled RunRead error = %v, want nil", err)
	}
	if !res.Cancelled {
		t.Error("Cancelled = false")
	}
	log := sim.GetCallLog()
	if log[len(log)-1] != "Release" {
		t.Errorf("call log ends with %q, want Release", log[len(log)-1])
	}
}

func TestRun_Timeout(t *testing.T) {
	sim := NewSimulator(make([]byte, 16))
	sim.Present = false
	opts := testOptions()
	opts.Timeout = 30 * time.Millisecond

	res, err := RunWrite(context.Background(), sim, opts)
	if !IsTimeoutError(err) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if res.Cancelled {
		t.Error("timeout reported as cancelled")
	}
	if e := lastEvent(res); e.Step != "WARN: NFC Session Timeout" {
		t.Errorf("last event = %+v", e)
	}
}

func TestRunWrite_TagLost(t *testing.T) {
	sim := NewSimulator(make([]byte, 16))
	sim.TransceiveHook = func(cmd []byte) error {
		if cmd[1] == DFCmdWriteData {
			return NewTagLostError("Transceive", ErrNoTag)
		}
		return nil
	}

	res, err := RunWrite(context.Background(), sim, testOptions())
	if !IsTagLostError(err) {
		t.Fatalf("error = %v, want tag lost", err)
	}
	if len(res.Steps) != 4 {
		t.Errorf("completed steps = %v", stepNames(res))
	}
	if e := lastEvent(res); e.Step != "WARN: NFC Error" {
		t.Errorf("last event = %+v", e)
	}
	if sim.Releases() != 1 {
		t.Errorf("Releases = %d, want 1", sim.Releases())
	}
}

func TestRunRead_NoApplication(t *testing.T) {
	sim := NewSimulator(make([]byte, 16))
	res, err := RunRead(context.Background(), sim, testOptions())
	if GetStatusWord(err) != SWAppNotFound {
		t.Fatalf("error = %v, want 91A0", err)
	}
	if got := stepNames(res); !equalStrings(got, []string{"Select PICC Level App", "Select App"}) {
		t.Errorf("steps = %v", got)
	}
}

func TestRunRead_Scripted(t *testing.T) {
	mock := NewMockTransport()
	mock.Responses = [][]byte{
		{0x91, 0x00},
		{0x91, 0x00},
		append([]byte("hi"), 0x91, 0x00),
	}
	res, err := RunRead(context.Background(), mock, testOptions())
	if err != nil {
		t.Fatalf("RunRead error = %v", err)
	}
	if res.Text != "hi" || res.UID != "04112233445566" {
		t.Errorf("result = %+v", res)
	}
	sent := mock.GetSent()
	if len(sent) != 3 || BytesToHex(sent[1]) != "905A00000353544100" {
		t.Errorf("sent = %X", sent)
	}

	mock = NewMockTransport()
	mock.Responses = [][]byte{{0x91, 0x00}, {0x91, 0x00}, {0xE9, 0x91, 0x00}}
	if _, err := RunRead(context.Background(), mock, testOptions()); GetErrorCode(err) != ErrCodeInvalidParameter {
		t.Errorf("malformed text error = %v, want InvalidParameter", err)
	}
}

func TestRun_ValidatesBeforeAcquire(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		code   ErrorCode
	}{
		{"short key", func(o *Options) { o.Key = make([]byte, 12) }, ErrCodeInvalidKey},
		{"payload", func(o *Options) { o.Payload = make([]byte, MaxPayloadSize+1) }, ErrCodeInvalidParameter},
		{"picc aid", func(o *Options) { o.AID = PICCLevelAID }, ErrCodeInvalidParameter},
		{"zero value", func(o *Options) { *o = Options{} }, ErrCodeInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport()
			opts := testOptions()
			tt.modify(&opts)

			_, err := RunWrite(context.Background(), mock, opts)
			if GetErrorCode(err) != tt.code {
				t.Fatalf("error = %v, want %s", err, tt.code)
			}
			for _, call := range mock.GetCallLog() {
				if call == "Acquire" {
					t.Error("Acquire called with invalid options")
				}
			}
		})
	}
}

func TestRun_AcquireError(t *testing.T) {
	mock := NewMockTransport()
	mock.AcquireError = errors.New("reader unplugged")
	_, err := RunAuthenticate(context.Background(), mock, testOptions())
	if kind, ok := GetTransportKind(err); !ok || kind != TransportIO {
		t.Errorf("error = %v, want io transport error", err)
	}
}

func TestRun_Dispatch(t *testing.T) {
	sim := NewSimulator(make([]byte, 16))
	for _, kind := range []TransactionKind{KindAuthenticate, KindWrite, KindRead} {
		res, err := Run(context.Background(), kind, sim, testOptions())
		if err != nil {
			t.Fatalf("Run(%s) error = %v", kind, err)
		}
		if res.Kind != kind {
			t.Errorf("Run(%s) Kind = %s", kind, res.Kind)
		}
	}
	if _, err := Run(context.Background(), "format", sim, testOptions()); err == nil {
		t.Error("unknown kind accepted")
	}
}
