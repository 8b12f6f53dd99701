package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	AlgorithmAES256GCM         = "aes-256-gcm"
	AlgorithmXChaCha20Poly1305 = "xchacha20-poly1305"

	// KeySize is the length in bytes of both master keys and data keys.
	KeySize = 32
	tagSize = 16
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidKeySize       = errors.New("key must be 32 bytes")
	ErrMalformedEnvelope    = errors.New("malformed envelope")
)

var randRead = rand.Read

// Envelope is a sealed payload with the nonce and tag kept apart from the ciphertext.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// HexEnvelope is the storage form of an Envelope.
type HexEnvelope struct {
	Ciphertext string
	Nonce      string
	Tag        string
}

func (e *Envelope) Hex() HexEnvelope {
	return HexEnvelope{
		Ciphertext: hex.EncodeToString(e.Ciphertext),
		Nonce:      hex.EncodeToString(e.Nonce),
		Tag:        hex.EncodeToString(e.Tag),
	}
}

// DecodeHexEnvelope reverses Envelope.Hex.
func DecodeHexEnvelope(h HexEnvelope) (*Envelope, error) {
	ct, err := hex.DecodeString(h.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	nonce, err := hex.DecodeString(h.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedEnvelope, err)
	}
	tag, err := hex.DecodeString(h.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrMalformedEnvelope, err)
	}
	return &Envelope{Ciphertext: ct, Nonce: nonce, Tag: tag}, nil
}

// GenerateKey returns n cryptographically random bytes.
func GenerateKey(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := randRead(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveKey expands secret into an n-byte key bound to info with HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	switch algorithm {
	case AlgorithmAES256GCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgorithmXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(algorithm string, key, plaintext, aad []byte) (*Envelope, error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := randRead(nonce); err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - tagSize
	return &Envelope{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// Open authenticates and decrypts env. Any tampering with ciphertext, nonce, tag or aad fails.
func Open(algorithm string, key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() || len(env.Tag) != tagSize {
		return nil, ErrMalformedEnvelope
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	return aead.Open(nil, env.Nonce, sealed, aad)
}

// EnvelopeCipher is the default implementation of the envelope operations.
type EnvelopeCipher struct{}

func NewEnvelopeCipher() EnvelopeCipher { return EnvelopeCipher{} }

func (EnvelopeCipher) GenerateDataKey() ([]byte, error) { return GenerateKey(KeySize) }

func (EnvelopeCipher) Seal(algorithm string, kek, plaintext, aad []byte) (*Envelope, error) {
	return Seal(algorithm, kek, plaintext, aad)
}

func (EnvelopeCipher) Open(algorithm string, kek []byte, env *Envelope, aad []byte) ([]byte, error) {
	return Open(algorithm, kek, env, aad)
}
