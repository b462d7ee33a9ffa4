package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"keygate/internal/chatsend"
	"keygate/internal/crypto"
	"keygate/internal/keys"
	"keygate/internal/providers"
	"keygate/internal/storage"
	"keygate/internal/vault"
)

const (
	HeaderUserID     = "X-User-ID"
	HeaderCapability = "X-Decrypt-Capability"

	maxBodyBytes = 1 << 20
)

type KeyService interface {
	RegisterUser(ctx context.Context, userID, passphrase string) (*vault.DecryptCapability, error)
	Unlock(ctx context.Context, userID, passphrase string) (*vault.DecryptCapability, error)
	ChangePassphrase(ctx context.Context, userID, oldPassphrase, newPassphrase string) error
	CreateAPIKey(ctx context.Context, userID string, in keys.CreateInput) (storage.APIKey, error)
	UpdateAPIKey(ctx context.Context, userID, id string, in keys.UpdateInput) (storage.APIKey, error)
	DeleteAPIKey(ctx context.Context, userID, id string) error
	ListAPIKeys(ctx context.Context, userID string) ([]storage.APIKey, error)
	RevealAPIKey(ctx context.Context, userID, id string, capability *vault.DecryptCapability) (string, storage.APIKey, error)
	RotateAPIKey(ctx context.Context, userID, id, newAPIKey string) (storage.APIKey, error)
}

type Gateway interface {
	ListModels(ctx context.Context, provider providers.ProviderID, apiKey string) ([]providers.Model, error)
	CountInputTokens(ctx context.Context, provider providers.ProviderID, apiKey, model string, msgs []providers.Message, opts providers.Options) (int, error)
}

type ChatSender interface {
	Send(ctx context.Context, req chatsend.Request, capability *vault.DecryptCapability, sink providers.Callbacks) (chatsend.Result, error)
}

type Config struct {
	Keys    KeyService
	Gateway Gateway
	Chat    ChatSender
	Logger  zerolog.Logger
}

// Server exposes the key service and chat sends over JSON. The caller's
// identity is taken from X-User-ID, which an upstream auth proxy sets.
type Server struct {
	keys    KeyService
	gateway Gateway
	chat    ChatSender
	log     zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		keys:    cfg.Keys,
		gateway: cfg.Gateway,
		chat:    cfg.Chat,
		log:     cfg.Logger.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/users", s.withUser(s.handleRegister))
	mux.HandleFunc("POST /v1/users/unlock", s.withUser(s.handleUnlock))
	mux.HandleFunc("POST /v1/users/passphrase", s.withUser(s.handleChangePassphrase))
	mux.HandleFunc("GET /v1/keys", s.withUser(s.handleListKeys))
	mux.HandleFunc("POST /v1/keys", s.withUser(s.handleCreateKey))
	mux.HandleFunc("PATCH /v1/keys/{id}", s.withUser(s.handleUpdateKey))
	mux.HandleFunc("DELETE /v1/keys/{id}", s.withUser(s.handleDeleteKey))
	mux.HandleFunc("POST /v1/keys/{id}/rotate", s.withUser(s.handleRotateKey))
	mux.HandleFunc("GET /v1/keys/{id}/models", s.withUser(s.handleListModels))
	mux.HandleFunc("POST /v1/keys/{id}/tokens", s.withUser(s.handleCountTokens))
	mux.HandleFunc("POST /v1/chat/send", s.withUser(s.handleChatSend))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(w, r, userID)
	}
}

type passphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

type capabilityResponse struct {
	Capability string `json:"capability"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, userID string) {
	var req passphraseRequest
	if !decode(w, r, &req) {
		return
	}
	capability, err := s.keys.RegisterUser(r.Context(), userID, req.Passphrase)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer capability.Zero()
	writeJSON(w, http.StatusCreated, capabilityResponse{Capability: capability.Encode()})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, userID string) {
	var req passphraseRequest
	if !decode(w, r, &req) {
		return
	}
	capability, err := s.keys.Unlock(r.Context(), userID, req.Passphrase)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer capability.Zero()
	writeJSON(w, http.StatusOK, capabilityResponse{Capability: capability.Encode()})
}

func (s *Server) handleChangePassphrase(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Old string `json:"old_passphrase"`
		New string `json:"new_passphrase"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.keys.ChangePassphrase(r.Context(), userID, req.Old, req.New); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keyView struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Alias         string     `json:"alias"`
	IsActive      bool       `json:"is_active"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	LastRotated   *time.Time `json:"last_rotated,omitempty"`
	LastValidated *time.Time `json:"last_validated,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func viewOf(k storage.APIKey) keyView {
	return keyView{
		ID:            k.ID,
		Provider:      k.Provider,
		Alias:         k.Alias,
		IsActive:      k.IsActive,
		LastUsed:      k.LastUsed,
		LastRotated:   k.LastRotated,
		LastValidated: k.LastValidated,
		CreatedAt:     k.CreatedAt,
		UpdatedAt:     k.UpdatedAt,
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.keys.ListAPIKeys(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]keyView, 0, len(list))
	for _, k := range list {
		out = append(out, viewOf(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Provider string `json:"provider"`
		Alias    string `json:"alias"`
		APIKey   string `json:"api_key"`
	}
	if !decode(w, r, &req) {
		return
	}
	k, err := s.keys.CreateAPIKey(r.Context(), userID, keys.CreateInput{Provider: req.Provider, Alias: req.Alias, APIKey: req.APIKey})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(k))
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Alias    *string `json:"alias"`
		IsActive *bool   `json:"is_active"`
	}
	if !decode(w, r, &req) {
		return
	}
	k, err := s.keys.UpdateAPIKey(r.Context(), userID, r.PathValue("id"), keys.UpdateInput{Alias: req.Alias, IsActive: req.IsActive})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(k))
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.keys.DeleteAPIKey(r.Context(), userID, r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !decode(w, r, &req) {
		return
	}
	k, err := s.keys.RotateAPIKey(r.Context(), userID, r.PathValue("id"), req.APIKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(k))
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request, userID string) {
	capability, ok := s.capability(w, r)
	if !ok {
		return
	}
	defer capability.Zero()

	apiKey, k, err := s.keys.RevealAPIKey(r.Context(), userID, r.PathValue("id"), capability)
	if err != nil {
		s.fail(w, err)
		return
	}
	models, err := s.gateway.ListModels(r.Context(), providers.ProviderID(k.Provider), apiKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Model    string              `json:"model"`
		Messages []providers.Message `json:"messages"`
		Options  providers.Options   `json:"options"`
	}
	if !decode(w, r, &req) {
		return
	}
	capability, ok := s.capability(w, r)
	if !ok {
		return
	}
	defer capability.Zero()

	apiKey, k, err := s.keys.RevealAPIKey(r.Context(), userID, r.PathValue("id"), capability)
	if err != nil {
		s.fail(w, err)
		return
	}
	n, err := s.gateway.CountInputTokens(r.Context(), providers.ProviderID(k.Provider), apiKey, req.Model, req.Messages, req.Options)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": n})
}

// handleChatSend streams providers.Event values as NDJSON and finishes with
// a {"type":"result"} line. Requests refused before streaming get a plain
// JSON error.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request, userID string) {
	var req chatsend.Request
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID
	capability, ok := s.capability(w, r)
	if !ok {
		return
	}
	defer capability.Zero()

	sink := newNDJSONSink(w)
	res, err := s.chat.Send(r.Context(), req, capability, sink)
	if err != nil {
		if sink.started() {
			_ = sink.OnError(providers.ErrorMessage(err))
			return
		}
		s.fail(w, err)
		return
	}
	sink.write(map[string]any{"type": "result", "result": res})
}

func (s *Server) capability(w http.ResponseWriter, r *http.Request) (*vault.DecryptCapability, bool) {
	capability, err := vault.ParseCapability(r.Header.Get(HeaderCapability))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+HeaderCapability)
		return nil, false
	}
	return capability, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	var rl *chatsend.RateLimitError
	if errors.As(err, &rl) {
		retry := int(time.Until(rl.ResetAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	var rl *chatsend.RateLimitError
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, vault.ErrEmptyPassphrase),
		errors.Is(err, keys.ErrInvalidAlias),
		errors.Is(err, keys.ErrInvalidAPIKey),
		errors.Is(err, keys.ErrUnsupportedProvider),
		errors.Is(err, chatsend.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, vault.ErrInvalidPassphrase),
		errors.Is(err, vault.ErrInvalidCapability),
		errors.Is(err, vault.ErrVaultOpenFailed):
		return http.StatusUnauthorized, "invalid passphrase or capability"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, keys.ErrUserExists),
		errors.Is(err, keys.ErrAliasTaken),
		errors.Is(err, keys.ErrKeyInactive),
		errors.Is(err, keys.ErrConcurrentUpdate),
		errors.Is(err, chatsend.ErrDuplicateRequest):
		return http.StatusConflict, err.Error()
	case errors.Is(err, keys.ErrKeyRejected):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, crypto.ErrCryptoFailure):
		return http.StatusInternalServerError, "internal error"
	}

	var perr *providers.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case providers.KindValidation:
			return http.StatusBadRequest, providers.ErrorMessage(err)
		case providers.KindAuthenticationFailed:
			return http.StatusUnauthorized, providers.ErrorMessage(err)
		case providers.KindRateLimited:
			return http.StatusTooManyRequests, providers.ErrorMessage(err)
		case providers.KindModelNotFound:
			return http.StatusNotFound, providers.ErrorMessage(err)
		case providers.KindUnsupported:
			return http.StatusNotImplemented, providers.ErrorMessage(err)
		default:
			return http.StatusBadGateway, providers.ErrorMessage(err)
		}
	}
	return http.StatusInternalServerError, "internal error"
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ndjsonSink writes one event per line and flushes after each one. Headers
// go out with the first event.
type ndjsonSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	enc     *json.Encoder
	written bool
}

var (
	_ providers.Callbacks      = (*ndjsonSink)(nil)
	_ providers.MediaCallbacks = (*ndjsonSink)(nil)
)

func newNDJSONSink(w http.ResponseWriter) *ndjsonSink {
	return &ndjsonSink{w: w, rc: http.NewResponseController(w), enc: json.NewEncoder(w)}
}

func (s *ndjsonSink) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *ndjsonSink) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.written {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		s.written = true
	}
	if err := s.enc.Encode(v); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *ndjsonSink) OnText(chunk string) error {
	return s.write(providers.Event{Type: providers.EventText, Text: chunk})
}

func (s *ndjsonSink) OnEnd() error {
	return s.write(providers.Event{Type: providers.EventEnd})
}

func (s *ndjsonSink) OnError(message string) error {
	return s.write(providers.Event{Type: providers.EventError, Error: message})
}

func (s *ndjsonSink) OnMediaGenStart(kind providers.MediaKind) error {
	return s.write(providers.Event{Type: providers.EventMediaStart, Kind: kind})
}

func (s *ndjsonSink) OnMediaGenEnd(url string, kind providers.MediaKind, meta providers.MediaMetadata) error {
	return s.write(providers.Event{Type: providers.EventMediaEnd, Kind: kind, URL: url, Metadata: &meta})
}

func (s *ndjsonSink) OnMediaGenError(message string, kind providers.MediaKind) error {
	return s.write(providers.Event{Type: providers.EventMediaError, Kind: kind, Error: message})
}
