package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize   = 32
	NonceSize = 16
	TagSize   = 16

	DefaultIterations = 100000
	MinIterations     = 10000
)

// ErrCryptoFailure is the only error callers ever see from a failed open.
// Which stage failed (length, tag, key) is intentionally not reported.
var ErrCryptoFailure = errors.New("crypto failure")

// DeriveKey runs PBKDF2-HMAC-SHA256. The same passphrase and salt always
// produce the same key.
func DeriveKey(passphrase, salt []byte, iterations int) []byte {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
}

// SealAEAD encrypts with AES-256-GCM and returns nonce || tag || ciphertext.
func SealAEAD(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// OpenAEAD reverses SealAEAD. Any failure is ErrCryptoFailure and no
// plaintext is returned.
func OpenAEAD(data, key []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, ErrCryptoFailure
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	nonce := data[:NonceSize]
	tag := data[NonceSize : NonceSize+TagSize]
	ct := data[NonceSize+TagSize:]

	buf := make([]byte, 0, len(ct)+TagSize)
	buf = append(buf, ct...)
	buf = append(buf, tag...)
	plaintext, err := aead.Open(nil, nonce, buf, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}

// RandomKey returns a fresh AES-256 key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("random key: %w", err)
	}
	return key, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
