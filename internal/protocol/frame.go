// Package protocol implements the wire contract: length-prefixed AES-GCM
// frames carrying JSON envelopes, plus the request/response/push shapes.
package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MaxFrameSize bounds a single ciphertext frame. A media chunk is 1 MiB
	// of raw bytes, base64-encoded inside JSON, so 4 MiB leaves headroom.
	MaxFrameSize = 4 << 20

	// ChunkSize is the media transfer window in both directions.
	ChunkSize = 1 << 20
)

var (
	// ErrFrameTooLarge means the peer announced a body larger than
	// MaxFrameSize. The stream cannot be resynchronized after this.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrEmptyFrame means the peer announced a zero-length body.
	ErrEmptyFrame = errors.New("zero-length frame")

	// ErrDecrypt means authentication of the ciphertext failed.
	ErrDecrypt = errors.New("frame decryption failed")
)

// Codec seals and opens wire frames: a 4-byte big-endian ciphertext length
// followed by AES-256-GCM output with the nonce prepended. Both ends derive
// the same key from the shared secret.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives a 32-byte AES key from the shared secret using
// HKDF-SHA256 and builds the GCM codec.
func NewCodec(sharedSecret string) (*Codec, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(sharedSecret), nil, []byte("frame-encryption"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Codec{aead: gcm}, nil
}

// Seal encrypts plaintext and returns the complete frame, length prefix
// included, ready for a single write.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	body := make([]byte, 0, len(nonce)+len(ciphertext))
	body = append(body, nonce...)
	body = append(body, ciphertext...)
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Open decrypts one frame body (nonce || ciphertext || tag).
func (c *Codec) Open(body []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(body) < ns+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, body[:ns], body[ns:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ReadFrame reads one frame from r and returns the decrypted payload.
// A short read on the header or the body surfaces as the underlying read
// error; the caller must treat that as a dead connection. ErrEmptyFrame and
// ErrDecrypt leave the stream aligned and are recoverable.
func (c *Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return c.Open(body)
}
