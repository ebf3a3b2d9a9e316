package nfc

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// BytesToHex converts bytes to an uppercase hex string without separators.
func BytesToHex(data []byte) string {
	const hexChars = "0123456789ABCDEF"
	result := make([]byte, len(data)*2)
	for i, b := range data {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0F]
	}
	return string(result)
}

// HexToBytes converts a hex string to bytes two characters at a time.
//
// It never fails: a trailing odd character is dropped, and a pair is parsed
// as far as its leading hex digits go (so "7Z" is 0x07 and "ZZ" is 0x00).
// Use HexToBytesStrict for input that must be well formed.
func HexToBytes(hex string) []byte {
	result := make([]byte, 0, len(hex)/2)
	for i := 0; i+1 < len(hex); i += 2 {
		var b byte
		for j := 0; j < 2; j++ {
			v, ok := hexNibble(hex[i+j])
			if !ok {
				break
			}
			b = b<<4 | v
		}
		result = append(result, b)
	}
	return result
}

// HexToBytesStrict converts a hex string to bytes, rejecting odd lengths and
// non-hex characters. Colons and spaces are ignored.
func HexToBytesStrict(hex string) ([]byte, error) {
	hex = strings.NewReplacer(":", "", " ", "").Replace(hex)
	if len(hex)%2 != 0 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	result := make([]byte, len(hex)/2)
	for i := 0; i < len(hex); i += 2 {
		hi, ok1 := hexNibble(hex[i])
		lo, ok2 := hexNibble(hex[i+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex character in %q", hex[i:i+2])
		}
		result[i/2] = hi<<4 | lo
	}
	return result, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// TextToBytes maps each UTF-16 code unit of s to one byte. Only Latin-1
// text survives; larger code units keep their low 8 bits.
func TextToBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units))
	for i, u := range units {
		out[i] = byte(u)
	}
	return out
}

// BytesToText decodes data as UTF-8. Unlike TextToBytes it accepts
// multi-byte sequences, so the two are not inverses outside ASCII.
func BytesToText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", Errorf(ErrCodeInvalidParameter, "BytesToText", "malformed UTF-8 sequence in %s", BytesToHex(data))
	}
	return string(data), nil
}

// AIDFromString builds a 3-byte application ID from text such as "STA".
func AIDFromString(s string) ([3]byte, error) {
	var aid [3]byte
	b := TextToBytes(s)
	if len(b) != 3 {
		return aid, Errorf(ErrCodeInvalidParameter, "AIDFromString", "AID must be 3 bytes, got %d", len(b))
	}
	copy(aid[:], b)
	return aid, nil
}
