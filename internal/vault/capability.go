package vault

import (
	"encoding/base64"
	"fmt"

	"keygate/internal/crypto"
)

// DecryptCapability holds a user's raw private key for the span of one
// request. It is never persisted. Call Zero once the request is done.
type DecryptCapability struct {
	key []byte
}

func newCapability(privatePEM []byte) *DecryptCapability {
	buf := make([]byte, len(privatePEM))
	copy(buf, privatePEM)
	return &DecryptCapability{key: buf}
}

// ParseCapability decodes the token handed to the client by Encode.
func ParseCapability(token string) (*DecryptCapability, error) {
	if token == "" {
		return nil, ErrInvalidCapability
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCapability
	}
	if _, err := crypto.ParsePrivateKey(raw); err != nil {
		crypto.Zero(raw)
		return nil, ErrInvalidCapability
	}
	return &DecryptCapability{key: raw}, nil
}

// Encode returns the client-facing token. The caller must not log it.
func (c *DecryptCapability) Encode() string {
	if c == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(c.key)
}

// Zero wipes the key material. The capability is unusable afterwards.
func (c *DecryptCapability) Zero() {
	if c == nil {
		return
	}
	crypto.Zero(c.key)
	c.key = nil
}

func (c *DecryptCapability) Valid() bool {
	return c != nil && len(c.key) > 0
}

func (c *DecryptCapability) String() string {
	return "vault.DecryptCapability(redacted)"
}

func (c *DecryptCapability) GoString() string {
	return c.String()
}

// Format keeps %v, %s, %x and %q from printing key bytes.
func (c *DecryptCapability) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(c.String()))
}

func (c *DecryptCapability) MarshalText() ([]byte, error) {
	return []byte("redacted"), nil
}

func (c *DecryptCapability) privatePEM() []byte {
	if c == nil {
		return nil
	}
	return c.key
}
