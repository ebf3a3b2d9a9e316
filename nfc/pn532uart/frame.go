// Package pn532uart drives a PN532 over a serial line and exposes the
// selected ISO14443-4 target as an nfc.SessionManager.
package pn532uart

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	cmdSAMConfiguration    = 0x14
	cmdGetFirmwareVersion  = 0x02
	cmdInListPassiveTarget = 0x4A
	cmdInDataExchange      = 0x40
	cmdInRelease           = 0x52
	hostToPN532            = 0xD4
	pn532ToHost            = 0xD5

	// maxFrameData is the normal-frame limit for TFI + command + params.
	maxFrameData = 255
	maxAckScan   = 64
	maxNackRetry = 3
)

var (
	ackFrame  = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	nackFrame = []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}
	wakeUp    = append([]byte{0x55}, make([]byte, 15)...)

	ErrAckTimeout   = errors.New("timeout waiting for ACK")
	ErrNoFrameFound = errors.New("no frame found")
	errBadFrame     = errors.New("malformed frame")
)

// Port is the part of serial.Port the driver needs.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	Close() error
}

// encodeFrame wraps TFI, cmd and args in a normal information frame.
func encodeFrame(cmd byte, args []byte) ([]byte, error) {
	data := append([]byte{hostToPN532, cmd}, args...)
	if len(data) > maxFrameData {
		return nil, fmt.Errorf("frame data is %d bytes, limit is %d", len(data), maxFrameData)
	}

	dlen := byte(len(data))
	frm := []byte{0x00, 0x00, 0xFF, dlen, ^dlen + 1}
	var sum byte
	for _, b := range data {
		sum += b
	}
	frm = append(frm, data...)
	return append(frm, ^sum+1, 0x00), nil
}

func writeAll(port Port, b []byte) error {
	n, err := port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(b))
	}
	return port.Drain()
}

// readByte reads one byte. A zero-length read is a serial read timeout and
// reported as ok=false.
func readByte(port Port) (byte, bool, error) {
	var b [1]byte
	n, err := port.Read(b[:])
	if err != nil {
		return 0, false, err
	}
	return b[0], n == 1, nil
}

// waitAck scans up to maxAckScan bytes for the ACK frame.
func waitAck(port Port) error {
	window := make([]byte, 0, len(ackFrame))
	for tries := 0; tries < maxAckScan; {
		b, ok, err := readByte(port)
		if err != nil {
			return err
		}
		if !ok {
			tries++
			continue
		}
		window = append(window, b)
		if len(window) < len(ackFrame) {
			continue
		}
		if bytes.Equal(window, ackFrame) {
			return nil
		}
		window = window[1:]
		tries++
	}
	return ErrAckTimeout
}

// readFull reads exactly n bytes, treating idle reads as a missing frame.
func readFull(port Port, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	idle := 0
	for len(out) < n {
		b, ok, err := readByte(port)
		if err != nil {
			return nil, err
		}
		if !ok {
			idle++
			if idle >= maxAckScan {
				return nil, ErrNoFrameFound
			}
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// readFrame reads one response frame and returns the bytes after the TFI.
func readFrame(port Port) ([]byte, error) {
	// find the 00 FF start code
	var prev byte = 0xAA
	idle := 0
	for {
		b, ok, err := readByte(port)
		if err != nil {
			return nil, err
		}
		if !ok {
			idle++
			if idle >= maxAckScan {
				return nil, ErrNoFrameFound
			}
			continue
		}
		if prev == 0x00 && b == 0xFF {
			break
		}
		prev = b
	}

	hdr, err := readFull(port, 2)
	if err != nil {
		return nil, err
	}
	if hdr[0]+hdr[1] != 0 {
		return nil, fmt.Errorf("%w: length checksum", errBadFrame)
	}
	if hdr[0] == 0 {
		return nil, fmt.Errorf("%w: empty frame", errBadFrame)
	}

	body, err := readFull(port, int(hdr[0])+2)
	if err != nil {
		return nil, err
	}
	data, dcs := body[:hdr[0]], body[hdr[0]]
	sum := dcs
	for _, b := range data {
		sum += b
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: data checksum", errBadFrame)
	}
	if data[0] != pn532ToHost {
		return nil, fmt.Errorf("%w: TFI %02X", errBadFrame, data[0])
	}
	return append([]byte(nil), data[1:]...), nil
}

// call sends one command, waits for the ACK and reads the response,
// asking the chip to resend with a NACK when the response is corrupt.
func call(port Port, cmd byte, args []byte) ([]byte, error) {
	frm, err := encodeFrame(cmd, args)
	if err != nil {
		return nil, err
	}
	if err := writeAll(port, wakeUp); err != nil {
		return nil, err
	}
	if err := writeAll(port, frm); err != nil {
		return nil, err
	}
	if err := waitAck(port); err != nil {
		return nil, err
	}

	for tries := 0; ; tries++ {
		res, err := readFrame(port)
		if errors.Is(err, errBadFrame) && tries < maxNackRetry {
			log.Debug().Err(err).Msg("pn532: sending NACK")
			if err := writeAll(port, nackFrame); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(res) == 0 || res[0] != cmd+1 {
			return nil, fmt.Errorf("%w: response code for command %02X", errBadFrame, cmd)
		}
		return res[1:], nil
	}
}
