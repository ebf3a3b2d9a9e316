package nfc

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// KeyMode selects how a 16-byte key is used by the DES engine.
type KeyMode int

const (
	// KeyModeLegacy keys single DES with the first 8 bytes of the key.
	KeyModeLegacy KeyMode = iota
	// KeyModeTripleDES treats a 16-byte key as 2K3DES (K1, K2, K1).
	KeyModeTripleDES
)

func (m KeyMode) String() string {
	switch m {
	case KeyModeLegacy:
		return "legacy"
	case KeyModeTripleDES:
		return "3des"
	default:
		return fmt.Sprintf("KeyMode(%d)", int(m))
	}
}

// ParseKeyMode parses "legacy" or "3des". The empty string means legacy.
func ParseKeyMode(s string) (KeyMode, error) {
	switch s {
	case "", "legacy":
		return KeyModeLegacy, nil
	case "3des", "2k3des":
		return KeyModeTripleDES, nil
	}
	return 0, fmt.Errorf("unknown key mode %q", s)
}

// Cipher is a DES-CBC engine without padding.
type Cipher struct {
	Mode KeyMode
}

// DropsSecondHalf reports whether a 16-byte key has distinct halves that
// single DES will not use.
func (c Cipher) DropsSecondHalf(key []byte) bool {
	return c.Mode == KeyModeLegacy && len(key) == 16 && !bytes.Equal(key[:8], key[8:])
}

func (c Cipher) block(op string, key []byte) (cipher.Block, error) {
	switch len(key) {
	case 8:
		return des.NewCipher(key)
	case 16:
		if c.Mode == KeyModeTripleDES {
			k := make([]byte, 0, 24)
			k = append(k, key...)
			k = append(k, key[:8]...)
			return des.NewTripleDESCipher(k)
		}
		return des.NewCipher(key[:8])
	default:
		return nil, Errorf(ErrCodeInvalidKey, op, "key must be 8 or 16 bytes, got %d", len(key))
	}
}

func (c Cipher) prepare(op string, data, key, iv []byte) (cipher.Block, error) {
	if len(data)%des.BlockSize != 0 {
		return nil, NewBlockLengthError(op, len(data))
	}
	if len(iv) != des.BlockSize {
		return nil, Errorf(ErrCodeInvalidKey, op, "IV must be 8 bytes, got %d", len(iv))
	}
	return c.block(op, key)
}

// Encrypt runs DES-CBC over plaintext, which must be block aligned.
func (c Cipher) Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := c.prepare("DESCBCEncrypt", plaintext, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// Decrypt reverses Encrypt.
func (c Cipher) Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := c.prepare("DESCBCDecrypt", ciphertext, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// DESCBCEncrypt encrypts with the legacy key mode.
func DESCBCEncrypt(plaintext, key, iv []byte) ([]byte, error) {
	return Cipher{}.Encrypt(plaintext, key, iv)
}

// DESCBCDecrypt decrypts with the legacy key mode.
func DESCBCDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	return Cipher{}.Decrypt(ciphertext, key, iv)
}

// RotateLeftOne moves the first byte to the end. The input is not modified.
func RotateLeftOne(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

// RotateRightOne moves the last byte to the front. The input is not modified.
func RotateRightOne(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}

// RandomSource supplies challenge bytes. crypto/rand.Reader satisfies it.
type RandomSource = io.Reader

// DefaultRandom is used when no source is configured.
var DefaultRandom RandomSource = rand.Reader

// RandomBytes reads exactly n bytes from src.
func RandomBytes(src io.Reader, n int) ([]byte, error) {
	if src == nil {
		src = DefaultRandom
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(src, b); err != nil {
		return nil, fmt.Errorf("reading %d random bytes: %w", n, err)
	}
	return b, nil
}

// FixedRandom replays a fixed byte sequence, wrapping around at the end.
// It exists for tests and reproducible transcripts.
type FixedRandom struct {
	mu   sync.Mutex
	data []byte
	pos  int
}

// NewFixedRandom returns a FixedRandom over a copy of data.
func NewFixedRandom(data []byte) *FixedRandom {
	return &FixedRandom{data: append([]byte(nil), data...)}
}

func (f *FixedRandom) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	for i := range p {
		p[i] = f.data[f.pos]
		f.pos = (f.pos + 1) % len(f.data)
	}
	return len(p), nil
}

// zero clears sensitive buffers.
func zero(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
	}
}
