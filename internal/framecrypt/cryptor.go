package framecrypt

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrFrameTooShort = errors.New("frame shorter than nonce")
	ErrNoKey         = errors.New("no key installed")
)

// KeySize is the frame key length distributed per participant session.
const KeySize = chacha20poly1305.KeySize

// Cryptor seals and opens individual media frames with ChaCha20-Poly1305.
// One cryptor guards one direction of one stream; re-keying swaps the AEAD
// without disturbing readers mid-call.
type Cryptor struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	counter uint64
}

func NewCryptor(key []byte) (*Cryptor, error) {
	c := &Cryptor{}
	if err := c.Rekey(key); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cryptor) Rekey(key []byte) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.aead = aead
	c.mu.Unlock()
	return nil
}

// Seal prepends the per-frame nonce so the receiver needs no out-of-band
// counter sync. Nonces never repeat within a key's lifetime: the counter is
// monotonic and keys rotate well before 2^64 frames.
func (c *Cryptor) Seal(frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil, ErrNoKey
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.counter)
	c.counter++
	out := make([]byte, 0, len(nonce)+len(frame)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, frame, nil), nil
}

func (c *Cryptor) Open(frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil, ErrNoKey
	}
	if len(frame) < chacha20poly1305.NonceSize {
		return nil, ErrFrameTooShort
	}
	nonce, sealed := frame[:chacha20poly1305.NonceSize], frame[chacha20poly1305.NonceSize:]
	return c.aead.Open(nil, nonce, sealed, nil)
}
