package nfc

import (
	"fmt"
)

// APDU command classes
const (
	CLAStandard = 0x00 // Standard ISO7816-4
	CLADESFire  = 0x90 // DESFire native command wrapper
)

// DESFire status words. SW1 is always 0x91 for native wrapped commands.
const (
	SW1DESFire = 0x91

	SWOperationOK      uint16 = 0x9100
	SWNoChanges        uint16 = 0x910C
	SWOutOfEEPROM      uint16 = 0x910E
	SWIllegalCommand   uint16 = 0x911C
	SWIntegrityError   uint16 = 0x911E
	SWNoSuchKey        uint16 = 0x9140
	SWLengthError      uint16 = 0x917E
	SWPermissionDenied uint16 = 0x919D
	SWParameterError   uint16 = 0x919E
	SWAppNotFound      uint16 = 0x91A0
	SWAuthError        uint16 = 0x91AE
	SWAdditionalFrame  uint16 = 0x91AF
	SWBoundaryError    uint16 = 0x91BE
	SWCommandAborted   uint16 = 0x91CA
	SWDuplicateError   uint16 = 0x91DE
	SWFileNotFound     uint16 = 0x91F0
)

// DESFire native command codes
const (
	DFCmdSelectApplication = 0x5A
	DFCmdCreateApplication = 0xCA
	DFCmdCreateStdDataFile = 0xCD
	DFCmdWriteData         = 0x3D
	DFCmdReadData          = 0xBD
	DFCmdGetFileSettings   = 0xF5
	DFCmdAuthenticate      = 0x0A // Legacy DES/2K3DES auth
	DFCmdAdditionalFrame   = 0xAF
)

var statusText = map[uint16]string{
	SWOperationOK:      "operation ok",
	SWNoChanges:        "no changes",
	SWOutOfEEPROM:      "out of EEPROM",
	SWIllegalCommand:   "illegal command",
	SWIntegrityError:   "integrity error",
	SWNoSuchKey:        "no such key",
	SWLengthError:      "length error",
	SWPermissionDenied: "permission denied",
	SWParameterError:   "parameter error",
	SWAppNotFound:      "application not found",
	SWAuthError:        "authentication error",
	SWAdditionalFrame:  "additional frame",
	SWBoundaryError:    "boundary error",
	SWCommandAborted:   "command aborted",
	SWDuplicateError:   "duplicate error",
	SWFileNotFound:     "file not found",
}

// StatusText returns a short name for a DESFire status word.
func StatusText(sw uint16) string {
	if s, ok := statusText[sw]; ok {
		return s
	}
	return "unknown status"
}

// APDU is a command APDU before serialization.
type APDU struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	Le   *byte // nil omits the Le byte
}

// Bytes serializes the command.
func (a APDU) Bytes() []byte {
	return BuildAPDUBytes(a.CLA, a.INS, a.P1, a.P2, a.Data, a.Le)
}

// String renders the command as hex for transcripts.
func (a APDU) String() string {
	return BytesToHex(a.Bytes())
}

// BuildAPDU serializes a.
func BuildAPDU(a APDU) []byte {
	return a.Bytes()
}

// BuildAPDUBytes constructs an APDU command. Lc is emitted only when data
// is non-empty.
func BuildAPDUBytes(cla, ins, p1, p2 byte, data []byte, le *byte) []byte {
	cmd := make([]byte, 0, 4+1+len(data)+1)
	cmd = append(cmd, cla, ins, p1, p2)

	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}

	if le != nil {
		cmd = append(cmd, *le)
	}

	return cmd
}

// DESFireWrapAPDU wraps a DESFire native command in an ISO7816 APDU.
func DESFireWrapAPDU(cmd byte, data []byte) []byte {
	le := byte(0x00)
	return BuildAPDUBytes(CLADESFire, cmd, 0x00, 0x00, data, &le)
}

// APDUResponse represents a parsed APDU response
type APDUResponse struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// StatusWord returns the 2-byte status word as uint16
func (r APDUResponse) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsSuccess reports whether the response belongs to the DESFire success
// family (SW1=91). Individual SW2 values still carry card-side errors.
func (r APDUResponse) IsSuccess() bool {
	return r.SW1 == SW1DESFire
}

// IsComplete returns true for 91 00.
func (r APDUResponse) IsComplete() bool {
	return r.StatusWord() == SWOperationOK
}

// HasMoreFrames returns true for 91 AF.
func (r APDUResponse) HasMoreFrames() bool {
	return r.StatusWord() == SWAdditionalFrame
}

// Err returns an UnsuccessfulStatus error unless the status is 91 00 or 91 AF.
func (r APDUResponse) Err(op string) error {
	if r.IsComplete() || r.HasMoreFrames() {
		return nil
	}
	return NewStatusError(op, r.StatusWord())
}

func (r APDUResponse) String() string {
	return fmt.Sprintf("%s SW=%04X", BytesToHex(r.Data), r.StatusWord())
}

// ParseAPDUResponse parses a raw response into APDUResponse. The payload
// aliases raw.
func ParseAPDUResponse(raw []byte) (APDUResponse, error) {
	if len(raw) < 2 {
		return APDUResponse{}, NewShortResponseError("ParseAPDUResponse", len(raw))
	}
	return APDUResponse{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// putUint24 writes the low 24 bits of v little-endian.
func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// uint24 reads 3 little-endian bytes.
func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// DESFireSelectAppAPDU returns APDU for selecting a DESFire application
func DESFireSelectAppAPDU(aid [3]byte) []byte {
	return DESFireWrapAPDU(DFCmdSelectApplication, aid[:])
}

// DESFireCreateAppAPDU returns APDU for creating an application
func DESFireCreateAppAPDU(aid [3]byte, keySettings, numKeys byte) []byte {
	return DESFireWrapAPDU(DFCmdCreateApplication, []byte{aid[0], aid[1], aid[2], keySettings, numKeys})
}

// DESFireCreateStdFileAPDU returns APDU for creating a standard data file.
// Access rights are sent little-endian, file size as 3 bytes little-endian.
func DESFireCreateStdFileAPDU(fileNo, commMode byte, accessRights uint16, fileSize uint32) []byte {
	data := make([]byte, 7)
	data[0] = fileNo
	data[1] = commMode
	data[2] = byte(accessRights)
	data[3] = byte(accessRights >> 8)
	putUint24(data[4:], fileSize)
	return DESFireWrapAPDU(DFCmdCreateStdDataFile, data)
}

// DESFireReadDataAPDU returns APDU for reading file data
func DESFireReadDataAPDU(fileNo byte, offset uint32, length uint32) []byte {
	data := make([]byte, 7)
	data[0] = fileNo
	putUint24(data[1:], offset)
	putUint24(data[4:], length)
	return DESFireWrapAPDU(DFCmdReadData, data)
}

// DESFireWriteDataAPDU returns APDU for writing file data
func DESFireWriteDataAPDU(fileNo byte, offset uint32, writeData []byte) []byte {
	data := make([]byte, 7, 7+len(writeData))
	data[0] = fileNo
	putUint24(data[1:], offset)
	putUint24(data[4:], uint32(len(writeData)))
	data = append(data, writeData...)
	return DESFireWrapAPDU(DFCmdWriteData, data)
}

// DESFireGetFileSettingsAPDU returns APDU for reading a file's settings
func DESFireGetFileSettingsAPDU(fileNo byte) []byte {
	return DESFireWrapAPDU(DFCmdGetFileSettings, []byte{fileNo})
}

// DESFireAuthAPDU returns APDU for the first authentication step
func DESFireAuthAPDU(keyNo byte) []byte {
	return DESFireWrapAPDU(DFCmdAuthenticate, []byte{keyNo})
}

// DESFireAdditionalFrameAPDU returns APDU for sending additional frame data
func DESFireAdditionalFrameAPDU(data []byte) []byte {
	return DESFireWrapAPDU(DFCmdAdditionalFrame, data)
}
