package storage

import "time"

// UserKeyMaterial is one user's keypair. WrappedDecryptKey is the
// passphrase-wrapped private key, additionally sealed by the master key
// ring. Version increments on every rewrap.
type UserKeyMaterial struct {
	UserID            string
	EncryptKey        string
	WrappedDecryptKey string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// APIKey is a stored vendor credential. Envelope is only openable with the
// owner's decrypt capability.
type APIKey struct {
	ID            string
	UserID        string
	Provider      string
	Alias         string
	Envelope      string
	IsActive      bool
	LastUsed      *time.Time
	LastRotated   *time.Time
	LastValidated *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// APIKeyUpdate changes only the non-nil fields.
type APIKeyUpdate struct {
	Alias    *string
	IsActive *bool
}

type AuditEntry struct {
	ID        int64
	UserID    string
	Action    string
	KeyID     string
	MetaJSON  string
	CreatedAt time.Time
}
