package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"keygate/internal/crypto"
	"keygate/internal/metrics"
	"keygate/internal/providers"
	"keygate/internal/storage"
	"keygate/internal/vault"
)

const (
	MinAliasLen  = 3
	MaxAliasLen  = 50
	MinAPIKeyLen = 10
)

var (
	ErrInvalidAlias        = fmt.Errorf("alias must be %d to %d characters", MinAliasLen, MaxAliasLen)
	ErrInvalidAPIKey       = fmt.Errorf("api key must be at least %d characters", MinAPIKeyLen)
	ErrAliasTaken          = errors.New("alias is already used by another active key")
	ErrKeyRejected         = errors.New("api key was rejected by the provider")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrUserExists          = errors.New("user already registered")
	ErrKeyInactive         = errors.New("api key is inactive")
	ErrConcurrentUpdate    = errors.New("key material changed concurrently")
	ErrNotFound            = storage.ErrNotFound
)

// Store is the subset of storage.Store the service needs.
type Store interface {
	CreateUserKeyMaterial(ctx context.Context, m storage.UserKeyMaterial) error
	GetUserKeyMaterial(ctx context.Context, userID string) (storage.UserKeyMaterial, error)
	SwapWrappedDecryptKey(ctx context.Context, userID string, expectedVersion int64, wrapped string) error
	InsertAPIKey(ctx context.Context, k storage.APIKey) (storage.APIKey, error)
	GetAPIKey(ctx context.Context, userID, id string) (storage.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string, activeOnly bool) ([]storage.APIKey, error)
	AliasTaken(ctx context.Context, userID, provider, alias, exceptID string) (bool, error)
	UpdateAPIKey(ctx context.Context, userID, id string, upd storage.APIKeyUpdate) (storage.APIKey, error)
	RotateAPIKey(ctx context.Context, userID, id, envelope string) (storage.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

// Validator performs the live key check before a key is stored.
type Validator interface {
	Supports(provider providers.ProviderID) bool
	ValidateKeyFormat(ctx context.Context, provider providers.ProviderID, apiKey string) bool
}

type Config struct {
	Store     Store
	Vault     *vault.Vault
	Master    *crypto.Manager
	Validator Validator
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Service owns user key material and stored API keys. Alias uniqueness is
// enforced here and by the store index, never by the vault.
type Service struct {
	store     Store
	vault     *vault.Vault
	master    *crypto.Manager
	validator Validator
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Vault == nil || cfg.Master == nil || cfg.Validator == nil {
		return nil, errors.New("keys: store, vault, master and validator are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Service{
		store:     cfg.Store,
		vault:     cfg.Vault,
		master:    cfg.Master,
		validator: cfg.Validator,
		log:       cfg.Logger.With().Str("component", "keys").Logger(),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}, nil
}

type CreateInput struct {
	Provider string
	Alias    string
	APIKey   string
}

type UpdateInput struct {
	Alias    *string
	IsActive *bool
}

// RegisterUser creates the user's key pair. The returned capability is the
// only copy of the unwrapped private key.
func (s *Service) RegisterUser(ctx context.Context, userID, passphrase string) (*vault.DecryptCapability, error) {
	material, capability, err := s.vault.CreateUserKeyMaterial(passphrase)
	s.vaultOp("create_key_material", err)
	if err != nil {
		return nil, err
	}

	sealed, err := s.sealWrapped(material.WrappedDecryptKey)
	if err != nil {
		capability.Zero()
		return nil, err
	}
	err = s.store.CreateUserKeyMaterial(ctx, storage.UserKeyMaterial{
		UserID:            userID,
		EncryptKey:        string(material.EncryptKey),
		WrappedDecryptKey: sealed,
	})
	if err != nil {
		capability.Zero()
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	s.audit(ctx, userID, "user.register", "", nil)
	return capability, nil
}

// Unlock opens the user's private key with the passphrase. Material sealed
// under a retired master key is resealed on the way.
func (s *Service) Unlock(ctx context.Context, userID, passphrase string) (*vault.DecryptCapability, error) {
	m, err := s.store.GetUserKeyMaterial(ctx, userID)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.openWrapped(m.WrappedDecryptKey)
	if err != nil {
		return nil, err
	}
	capability, err := s.vault.UnwrapDecryptKey(wrapped, passphrase)
	s.vaultOp("unwrap", err)
	if err != nil {
		s.audit(ctx, userID, "user.unlock_failed", "", nil)
		return nil, err
	}

	if s.master.NeedsReEncrypt(m.WrappedDecryptKey) {
		s.resealMaster(ctx, m)
	}
	return capability, nil
}

func (s *Service) resealMaster(ctx context.Context, m storage.UserKeyMaterial) {
	resealed, err := s.master.ReEncrypt(m.WrappedDecryptKey)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", m.UserID).Msg("master reseal failed")
		return
	}
	if err := s.store.SwapWrappedDecryptKey(ctx, m.UserID, m.Version, resealed); err != nil {
		s.log.Warn().Err(err).Str("user_id", m.UserID).Msg("master reseal not stored")
		return
	}
	s.log.Info().Str("user_id", m.UserID).Str("key_id", s.master.CurrentKeyID()).Msg("resealed key material")
}

// ChangePassphrase rewraps the private key. Stored API keys stay valid
// because the key pair itself does not change.
func (s *Service) ChangePassphrase(ctx context.Context, userID, oldPassphrase, newPassphrase string) error {
	m, err := s.store.GetUserKeyMaterial(ctx, userID)
	if err != nil {
		return err
	}
	wrapped, err := s.openWrapped(m.WrappedDecryptKey)
	if err != nil {
		return err
	}
	rewrapped, err := s.vault.Rewrap(oldPassphrase, newPassphrase, wrapped)
	s.vaultOp("rewrap", err)
	if err != nil {
		return err
	}
	sealed, err := s.sealWrapped(rewrapped)
	if err != nil {
		return err
	}
	if err := s.store.SwapWrappedDecryptKey(ctx, userID, m.Version, sealed); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrConcurrentUpdate
		}
		return err
	}
	s.audit(ctx, userID, "user.change_passphrase", "", nil)
	return nil
}

func (s *Service) CreateAPIKey(ctx context.Context, userID string, in CreateInput) (storage.APIKey, error) {
	provider, err := s.provider(in.Provider)
	if err != nil {
		return storage.APIKey{}, err
	}
	alias, err := normalizeAlias(in.Alias)
	if err != nil {
		return storage.APIKey{}, err
	}
	apiKey := strings.TrimSpace(in.APIKey)
	if len(apiKey) < MinAPIKeyLen {
		return storage.APIKey{}, ErrInvalidAPIKey
	}

	taken, err := s.store.AliasTaken(ctx, userID, string(provider), alias, "")
	if err != nil {
		return storage.APIKey{}, err
	}
	if taken {
		return storage.APIKey{}, ErrAliasTaken
	}

	m, err := s.store.GetUserKeyMaterial(ctx, userID)
	if err != nil {
		return storage.APIKey{}, err
	}
	if !s.validator.ValidateKeyFormat(ctx, provider, apiKey) {
		return storage.APIKey{}, ErrKeyRejected
	}

	envelope, err := s.vault.SealSecret(apiKey, []byte(m.EncryptKey))
	s.vaultOp("seal", err)
	if err != nil {
		return storage.APIKey{}, err
	}
	k, err := s.store.InsertAPIKey(ctx, storage.APIKey{
		UserID:   userID,
		Provider: string(provider),
		Alias:    alias,
		Envelope: envelope,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.APIKey{}, ErrAliasTaken
		}
		return storage.APIKey{}, err
	}

	s.audit(ctx, userID, "api_key.create", k.ID, map[string]any{"provider": k.Provider, "alias": k.Alias})
	return k, nil
}

func (s *Service) UpdateAPIKey(ctx context.Context, userID, id string, in UpdateInput) (storage.APIKey, error) {
	current, err := s.store.GetAPIKey(ctx, userID, id)
	if err != nil {
		return storage.APIKey{}, err
	}

	upd := storage.APIKeyUpdate{IsActive: in.IsActive}
	alias := current.Alias
	if in.Alias != nil {
		alias, err = normalizeAlias(*in.Alias)
		if err != nil {
			return storage.APIKey{}, err
		}
		upd.Alias = &alias
	}
	willBeActive := current.IsActive
	if in.IsActive != nil {
		willBeActive = *in.IsActive
	}
	if willBeActive && (alias != current.Alias || !current.IsActive) {
		taken, err := s.store.AliasTaken(ctx, userID, current.Provider, alias, id)
		if err != nil {
			return storage.APIKey{}, err
		}
		if taken {
			return storage.APIKey{}, ErrAliasTaken
		}
	}

	k, err := s.store.UpdateAPIKey(ctx, userID, id, upd)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.APIKey{}, ErrAliasTaken
		}
		return storage.APIKey{}, err
	}
	s.audit(ctx, userID, "api_key.update", id, map[string]any{"alias": k.Alias, "is_active": k.IsActive})
	return k, nil
}

// DeleteAPIKey retires the key. The row is kept for the audit trail.
func (s *Service) DeleteAPIKey(ctx context.Context, userID, id string) error {
	inactive := false
	if _, err := s.store.UpdateAPIKey(ctx, userID, id, storage.APIKeyUpdate{IsActive: &inactive}); err != nil {
		return err
	}
	s.audit(ctx, userID, "api_key.delete", id, nil)
	return nil
}

// ListAPIKeys returns the user's active keys.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]storage.APIKey, error) {
	return s.store.ListAPIKeys(ctx, userID, true)
}

func (s *Service) GetAPIKey(ctx context.Context, userID, id string) (storage.APIKey, error) {
	return s.store.GetAPIKey(ctx, userID, id)
}

// RevealAPIKey opens a stored key with the caller's capability and marks it
// used. The plaintext must not outlive the request.
func (s *Service) RevealAPIKey(ctx context.Context, userID, id string, capability *vault.DecryptCapability) (string, storage.APIKey, error) {
	k, err := s.store.GetAPIKey(ctx, userID, id)
	if err != nil {
		return "", storage.APIKey{}, err
	}
	if !k.IsActive {
		return "", storage.APIKey{}, ErrKeyInactive
	}
	plain, err := s.vault.OpenSecret(k.Envelope, capability)
	s.vaultOp("open", err)
	if err != nil {
		return "", storage.APIKey{}, err
	}
	if err := s.store.TouchAPIKey(ctx, k.ID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("key_id", k.ID).Msg("touch api key failed")
	}
	return plain, k, nil
}

// RotateAPIKey replaces the stored secret after validating the new one.
func (s *Service) RotateAPIKey(ctx context.Context, userID, id, newAPIKey string) (storage.APIKey, error) {
	apiKey := strings.TrimSpace(newAPIKey)
	if len(apiKey) < MinAPIKeyLen {
		return storage.APIKey{}, ErrInvalidAPIKey
	}
	k, err := s.store.GetAPIKey(ctx, userID, id)
	if err != nil {
		return storage.APIKey{}, err
	}
	if !k.IsActive {
		return storage.APIKey{}, ErrKeyInactive
	}
	m, err := s.store.GetUserKeyMaterial(ctx, userID)
	if err != nil {
		return storage.APIKey{}, err
	}
	if !s.validator.ValidateKeyFormat(ctx, providers.ProviderID(k.Provider), apiKey) {
		return storage.APIKey{}, ErrKeyRejected
	}
	envelope, err := s.vault.SealSecret(apiKey, []byte(m.EncryptKey))
	s.vaultOp("seal", err)
	if err != nil {
		return storage.APIKey{}, err
	}
	k, err = s.store.RotateAPIKey(ctx, userID, id, envelope)
	if err != nil {
		return storage.APIKey{}, err
	}
	s.audit(ctx, userID, "api_key.rotate", id, nil)
	return k, nil
}

func (s *Service) provider(raw string) (providers.ProviderID, error) {
	id, err := providers.ParseProviderID(raw)
	if err != nil {
		return "", ErrUnsupportedProvider
	}
	if !s.validator.Supports(id) {
		return "", ErrUnsupportedProvider
	}
	return id, nil
}

func normalizeAlias(alias string) (string, error) {
	alias = strings.TrimSpace(alias)
	if n := utf8.RuneCountInString(alias); n < MinAliasLen || n > MaxAliasLen {
		return "", ErrInvalidAlias
	}
	return alias, nil
}

func (s *Service) sealWrapped(wrapped []byte) (string, error) {
	sealed, err := s.master.MarshalEncryptedString(base64.StdEncoding.EncodeToString(wrapped))
	if err != nil {
		return "", fmt.Errorf("seal key material: %w", err)
	}
	return sealed, nil
}

func (s *Service) openWrapped(sealed string) ([]byte, error) {
	encoded, err := s.master.UnmarshalEncryptedString(sealed)
	if err != nil {
		return nil, fmt.Errorf("open key material: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", crypto.ErrCryptoFailure)
	}
	return wrapped, nil
}

func (s *Service) vaultOp(op string, err error) {
	s.metrics.VaultOps.WithLabelValues(op, metrics.Outcome(err)).Inc()
}

func (s *Service) audit(ctx context.Context, userID, action, keyID string, meta map[string]any) {
	raw := "{}"
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			raw = string(b)
		}
	}
	if err := s.store.LogAction(ctx, storage.AuditEntry{UserID: userID, Action: action, KeyID: keyID, MetaJSON: raw}); err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("audit log write failed")
	}
}
