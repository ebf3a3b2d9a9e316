package pn532uart

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// statusTimeout is the PN532 error code for a target that did not answer.
const statusTimeout = 0x01

// FirmwareVersion is the GetFirmwareVersion answer.
type FirmwareVersion struct {
	IC               byte
	Version          string
	SupportIso14443a bool
	SupportIso14443b bool
	SupportIso18092  bool
}

// Target is a type A target found by InListPassiveTarget.
type Target struct {
	Number  byte
	SensRes []byte
	SelRes  byte
	UID     []byte
	ATS     []byte
}

// IsoDEP reports whether the target supports ISO14443-4.
func (t *Target) IsoDEP() bool {
	return t.SelRes&0x20 != 0
}

// StatusError is a non-zero PN532 status byte.
type StatusError struct {
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pn532 status %02X", e.Status)
}

// Timeout reports whether the target failed to answer in time.
func (e *StatusError) Timeout() bool {
	return e.Status&0x3F == statusTimeout
}

// SAMConfiguration puts the chip in normal mode.
func SAMConfiguration(port Port) error {
	log.Debug().Msg("pn532: SAMConfiguration")
	_, err := call(port, cmdSAMConfiguration, []byte{0x01, 0x14, 0x01})
	return err
}

// GetFirmwareVersion queries the chip version.
func GetFirmwareVersion(port Port) (FirmwareVersion, error) {
	res, err := call(port, cmdGetFirmwareVersion, nil)
	if err != nil {
		return FirmwareVersion{}, err
	}
	if len(res) != 4 {
		return FirmwareVersion{}, errors.New("unexpected firmware version response")
	}
	if res[0] != 0x32 {
		return FirmwareVersion{}, fmt.Errorf("unexpected IC: %02X", res[0])
	}
	return FirmwareVersion{
		IC:               res[0],
		Version:          fmt.Sprintf("%d.%d", res[1], res[2]),
		SupportIso14443a: res[3]&0x01 != 0,
		SupportIso14443b: res[3]&0x02 != 0,
		SupportIso18092:  res[3]&0x04 != 0,
	}, nil
}

// InListPassiveTarget polls once for a 106 kbps type A target. A nil target
// with a nil error means nothing is in the field.
func InListPassiveTarget(port Port) (*Target, error) {
	res, err := call(port, cmdInListPassiveTarget, []byte{0x01, 0x00})
	if errors.Is(err, ErrNoFrameFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 1 {
		return nil, errors.New("unexpected passive target response")
	}
	if res[0] == 0 {
		return nil, nil
	}
	// Tg SENS_RES(2) SEL_RES NFCIDLength NFCID [ATS]
	if len(res) < 6 {
		return nil, errors.New("short passive target response")
	}
	uidLen := int(res[5])
	if uidLen == 0 || len(res) < 6+uidLen {
		return nil, fmt.Errorf("invalid uid length %d", uidLen)
	}
	t := &Target{
		Number:  res[1],
		SensRes: append([]byte(nil), res[2:4]...),
		SelRes:  res[4],
		UID:     append([]byte(nil), res[6:6+uidLen]...),
	}
	if rest := res[6+uidLen:]; len(rest) > 0 {
		t.ATS = append([]byte(nil), rest...)
	}
	return t, nil
}

// InDataExchange sends one APDU to target tg and returns the card answer.
func InDataExchange(port Port, tg byte, apdu []byte) ([]byte, error) {
	res, err := call(port, cmdInDataExchange, append([]byte{tg}, apdu...))
	if err != nil {
		return nil, err
	}
	if len(res) < 1 {
		return nil, errors.New("unexpected data exchange response")
	}
	if res[0]&0x3F != 0 {
		return nil, &StatusError{Status: res[0]}
	}
	return append([]byte(nil), res[1:]...), nil
}

// InRelease releases target tg.
func InRelease(port Port, tg byte) error {
	res, err := call(port, cmdInRelease, []byte{tg})
	if err != nil {
		return err
	}
	if len(res) == 1 && res[0]&0x3F != 0 {
		return &StatusError{Status: res[0]}
	}
	return nil
}
