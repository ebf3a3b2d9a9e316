package nfc

import (
	"context"
	"fmt"
)

// PICCLevelAID selects the card master application.
var PICCLevelAID = [3]byte{0x00, 0x00, 0x00}

// maxReadFrames bounds additional-frame chaining on ReadData.
const maxReadFrames = 64

// DESFire issues native commands over an acquired Transport.
//
// Every method returns the parsed card response. The error is non-nil only
// for transport or parse faults; card-side refusals are reported through
// the response status word (see APDUResponse.Err).
type DESFire struct {
	transport Transport
	observer  Observer
}

// NewDESFire wraps t. The observer may be nil.
func NewDESFire(t Transport, o Observer) *DESFire {
	return &DESFire{transport: t, observer: o}
}

func (d *DESFire) send(ctx context.Context, op string, cmd []byte) (APDUResponse, error) {
	emit(d.observer, op+" >>", "apdu", BytesToHex(cmd))
	raw, err := d.transport.Transceive(ctx, cmd)
	if err != nil {
		err = ClassifyTransport(op, err)
		emitErr(d.observer, op, err)
		return APDUResponse{}, err
	}
	resp, err := ParseAPDUResponse(raw)
	if err != nil {
		emitErr(d.observer, op, err)
		return APDUResponse{}, err
	}
	emit(d.observer, op+" <<", "response", BytesToHex(raw), "status", StatusText(resp.StatusWord()))
	return resp, nil
}

// SelectPICCLevel selects AID 00 00 00.
func (d *DESFire) SelectPICCLevel(ctx context.Context) (APDUResponse, error) {
	return d.send(ctx, "Select PICC Level App", DESFireSelectAppAPDU(PICCLevelAID))
}

// SelectApplication selects aid.
func (d *DESFire) SelectApplication(ctx context.Context, aid [3]byte) (APDUResponse, error) {
	return d.send(ctx, "Select App", DESFireSelectAppAPDU(aid))
}

// CreateApplication creates aid with the given key settings and key count.
func (d *DESFire) CreateApplication(ctx context.Context, aid [3]byte, keySettings, numKeys byte) (APDUResponse, error) {
	return d.send(ctx, "Create App", DESFireCreateAppAPDU(aid, keySettings, numKeys))
}

// CreateFile creates a standard data file in the selected application.
// Only the low 24 bits of fileSize are sent.
func (d *DESFire) CreateFile(ctx context.Context, fileID, commMode byte, accessRights uint16, fileSize uint32) (APDUResponse, error) {
	return d.send(ctx, "Create File", DESFireCreateStdFileAPDU(fileID, commMode, accessRights, fileSize))
}

// FileSettings describes a standard data file.
type FileSettings struct {
	FileType     byte
	CommMode     byte
	AccessRights uint16
	Size         uint32
}

// ParseFileSettings decodes the GetFileSettings record of a standard or
// backup data file.
func ParseFileSettings(data []byte) (FileSettings, error) {
	if len(data) < 7 {
		return FileSettings{}, Errorf(ErrCodeInvalidParameter, "Get File Settings", "settings record is %d bytes, want 7", len(data))
	}
	return FileSettings{
		FileType:     data[0],
		CommMode:     data[1],
		AccessRights: uint16(data[2]) | uint16(data[3])<<8,
		Size:         uint24(data[4:7]),
	}, nil
}

// GetFileSettings reads the settings of fileID in the selected application.
func (d *DESFire) GetFileSettings(ctx context.Context, fileID byte) (APDUResponse, error) {
	return d.send(ctx, "Get File Settings", DESFireGetFileSettingsAPDU(fileID))
}

// WriteData writes data at offset in fileID. The whole payload must fit in
// one frame.
func (d *DESFire) WriteData(ctx context.Context, fileID byte, offset uint32, data []byte) (APDUResponse, error) {
	const op = "Write Data"
	if len(data)+7 > 0xFF {
		return APDUResponse{}, Errorf(ErrCodeInvalidParameter, op, "payload of %d bytes does not fit one frame", len(data))
	}
	return d.send(ctx, op, DESFireWriteDataAPDU(fileID, offset, data))
}

// ReadData reads length bytes at offset from fileID; length 0 reads the
// whole file. Additional frames (91 AF) are fetched and concatenated, and
// the returned response carries the final status word.
func (d *DESFire) ReadData(ctx context.Context, fileID byte, offset, length uint32) (APDUResponse, error) {
	const op = "Read Data"
	resp, err := d.send(ctx, op, DESFireReadDataAPDU(fileID, offset, length))
	if err != nil {
		return resp, err
	}

	data := append([]byte(nil), resp.Data...)
	for frames := 1; resp.HasMoreFrames(); frames++ {
		if frames >= maxReadFrames {
			return APDUResponse{}, Errorf(ErrCodeInvalidParameter, op, "more than %d frames", maxReadFrames)
		}
		resp, err = d.send(ctx, op+" (more)", DESFireAdditionalFrameAPDU(nil))
		if err != nil {
			return resp, err
		}
		data = append(data, resp.Data...)
	}
	resp.Data = data
	return resp, nil
}

// Authenticate runs a fresh legacy authentication with key keyNo.
func (d *DESFire) Authenticate(ctx context.Context, keyNo byte, key []byte, opts ...AuthOption) error {
	a := NewAuthenticator(d.transport, keyNo, key)
	a.Observer = d.observer
	for _, opt := range opts {
		opt(a)
	}
	return a.Authenticate(ctx)
}

// AuthOption configures an Authenticator built by DESFire.Authenticate.
type AuthOption func(*Authenticator)

// WithKeyMode selects the DES key mode.
func WithKeyMode(m KeyMode) AuthOption {
	return func(a *Authenticator) { a.Cipher.Mode = m }
}

// WithRandom sets the RndA source.
func WithRandom(r RandomSource) AuthOption {
	return func(a *Authenticator) { a.Random = r }
}

// expectOK converts a card response to an error unless it is 91 00.
func expectOK(op string, resp APDUResponse) error {
	if resp.IsComplete() {
		return nil
	}
	if err := resp.Err(op); err != nil {
		return err
	}
	return fmt.Errorf("%s: unexpected additional frame", op)
}
