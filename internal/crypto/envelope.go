package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope is a master-key sealed value. Sealed holds nonce || tag || ciphertext.
type Envelope struct {
	KeyID  string `json:"key_id"`
	Sealed string `json:"sealed"`
}

// Manager seals server-side values under a ring of master keys. The current
// key seals; any key in the ring opens.
type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %q must be %d bytes", id, KeySize)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) CurrentKeyID() string {
	return m.currentKeyID
}

func (m *Manager) Encrypt(plaintext []byte) (Envelope, error) {
	sealed, err := SealAEAD(plaintext, m.keys[m.currentKeyID])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		KeyID:  m.currentKeyID,
		Sealed: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func (m *Manager) Decrypt(env Envelope) ([]byte, error) {
	key, ok := m.keys[env.KeyID]
	if !ok {
		return nil, ErrCryptoFailure
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Sealed)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return OpenAEAD(sealed, key)
}

func (m *Manager) MarshalEncryptedString(value string) (string, error) {
	env, err := m.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (m *Manager) UnmarshalEncryptedString(raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", ErrCryptoFailure
	}
	pt, err := m.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ReEncrypt moves a value sealed under any ring key to the current key.
func (m *Manager) ReEncrypt(raw string) (string, error) {
	plain, err := m.UnmarshalEncryptedString(raw)
	if err != nil {
		return "", err
	}
	return m.MarshalEncryptedString(plain)
}

// NeedsReEncrypt reports whether raw was sealed under a key other than the
// current one.
func (m *Manager) NeedsReEncrypt(raw string) bool {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false
	}
	return env.KeyID != m.currentKeyID
}
