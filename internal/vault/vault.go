package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"keygate/internal/crypto"
)

var (
	ErrInvalidPassphrase = fmt.Errorf("invalid passphrase: %w", crypto.ErrCryptoFailure)
	ErrVaultOpenFailed   = fmt.Errorf("vault open failed: %w", crypto.ErrCryptoFailure)
	ErrInvalidCapability = fmt.Errorf("invalid decrypt capability: %w", crypto.ErrCryptoFailure)
	ErrSelfTestFailed    = fmt.Errorf("key pair self-test failed: %w", crypto.ErrCryptoFailure)

	ErrEmptyPassphrase = errors.New("passphrase is empty")
	ErrEmptySalt       = errors.New("vault salt is empty")
)

const selfTestPayloadSize = 64

// UserKeyMaterial is what gets persisted for a user. EncryptKey is a PEM
// public key and safe to disclose. WrappedDecryptKey is the PEM private key
// sealed under the passphrase-derived key.
type UserKeyMaterial struct {
	EncryptKey        []byte
	WrappedDecryptKey []byte
}

type Config struct {
	Salt       []byte
	Iterations int
}

// Vault only holds immutable configuration and is safe for concurrent use.
type Vault struct {
	salt       []byte
	iterations int
}

func New(cfg Config) (*Vault, error) {
	if len(cfg.Salt) == 0 {
		return nil, ErrEmptySalt
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = crypto.DefaultIterations
	}
	if cfg.Iterations < crypto.MinIterations {
		return nil, fmt.Errorf("kdf iterations must be >= %d", crypto.MinIterations)
	}
	salt := make([]byte, len(cfg.Salt))
	copy(salt, cfg.Salt)
	return &Vault{salt: salt, iterations: cfg.Iterations}, nil
}

func (v *Vault) deriveKey(passphrase string) []byte {
	return crypto.DeriveKey([]byte(passphrase), v.salt, v.iterations)
}

// CreateUserKeyMaterial generates a key pair and wraps its private half
// under the passphrase. The returned capability is the unwrapped private key.
func (v *Vault) CreateUserKeyMaterial(passphrase string) (UserKeyMaterial, *DecryptCapability, error) {
	if passphrase == "" {
		return UserKeyMaterial{}, nil, ErrEmptyPassphrase
	}
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return UserKeyMaterial{}, nil, fmt.Errorf("generate key pair: %w", err)
	}
	defer crypto.Zero(priv)

	if !v.SelfTest(pub, priv) {
		return UserKeyMaterial{}, nil, ErrSelfTestFailed
	}

	wrapped, err := v.wrap(priv, passphrase)
	if err != nil {
		return UserKeyMaterial{}, nil, err
	}
	return UserKeyMaterial{EncryptKey: pub, WrappedDecryptKey: wrapped}, newCapability(priv), nil
}

// UnwrapDecryptKey recovers the private key. Any failure, including a
// wrong passphrase, is ErrInvalidPassphrase.
func (v *Vault) UnwrapDecryptKey(wrapped []byte, passphrase string) (*DecryptCapability, error) {
	key := v.deriveKey(passphrase)
	defer crypto.Zero(key)

	priv, err := crypto.OpenAEAD(wrapped, key)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	if _, err := crypto.ParsePrivateKey(priv); err != nil {
		crypto.Zero(priv)
		return nil, ErrInvalidPassphrase
	}
	return &DecryptCapability{key: priv}, nil
}

// Rewrap moves the private key from the old passphrase to the new one. The
// result is verified before it is returned, so a caller that only persists
// on success never stores inconsistent material.
func (v *Vault) Rewrap(oldPassphrase, newPassphrase string, wrapped []byte) ([]byte, error) {
	if newPassphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	capability, err := v.UnwrapDecryptKey(wrapped, oldPassphrase)
	if err != nil {
		return nil, err
	}
	defer capability.Zero()

	rewrapped, err := v.wrap(capability.privatePEM(), newPassphrase)
	if err != nil {
		return nil, err
	}

	check, err := v.UnwrapDecryptKey(rewrapped, newPassphrase)
	if err != nil {
		return nil, fmt.Errorf("verify rewrap: %w", err)
	}
	defer check.Zero()
	if !bytes.Equal(check.privatePEM(), capability.privatePEM()) {
		return nil, ErrSelfTestFailed
	}

	pub, err := crypto.PublicKeyFromPrivate(check.privatePEM())
	if err != nil {
		return nil, ErrSelfTestFailed
	}
	if !v.SelfTest(pub, check.privatePEM()) {
		return nil, ErrSelfTestFailed
	}
	return rewrapped, nil
}

// SealSecret encrypts plaintext for the owner of publicKey and returns the
// envelope as base64 text.
func (v *Vault) SealSecret(plaintext string, publicKey []byte) (string, error) {
	env, err := crypto.EncryptWithPublicKey([]byte(plaintext), publicKey)
	if err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(env), nil
}

// OpenSecret decrypts an envelope produced by SealSecret (or the untagged
// format that predates it).
func (v *Vault) OpenSecret(envelope string, capability *DecryptCapability) (string, error) {
	if !capability.Valid() {
		return "", ErrVaultOpenFailed
	}
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", ErrVaultOpenFailed
	}
	pt, err := crypto.DecryptWithPrivateKey(raw, capability.privatePEM())
	if err != nil {
		return "", ErrVaultOpenFailed
	}
	defer crypto.Zero(pt)
	return string(pt), nil
}

// SelfTest round-trips random payloads on both envelope paths.
func (v *Vault) SelfTest(publicKey, privateKey []byte) bool {
	for _, size := range []int{selfTestPayloadSize, 4 * selfTestPayloadSize} {
		probe := make([]byte, size)
		if _, err := rand.Read(probe); err != nil {
			return false
		}
		env, err := crypto.EncryptWithPublicKey(probe, publicKey)
		if err != nil {
			return false
		}
		out, err := crypto.DecryptWithPrivateKey(env, privateKey)
		if err != nil || !bytes.Equal(out, probe) {
			return false
		}
	}
	return true
}

func (v *Vault) wrap(privatePEM []byte, passphrase string) ([]byte, error) {
	key := v.deriveKey(passphrase)
	defer crypto.Zero(key)

	wrapped, err := crypto.SealAEAD(privatePEM, key)
	if err != nil {
		return nil, fmt.Errorf("wrap private key: %w", err)
	}
	return wrapped, nil
}
