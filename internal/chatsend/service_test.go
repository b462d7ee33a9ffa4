package chatsend_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/chatsend"
	"keygate/internal/providers"
	"keygate/internal/queue"
	"keygate/internal/storage"
	"keygate/internal/vault"
)

type fakeKeys struct {
	err error
}

func (f fakeKeys) RevealAPIKey(_ context.Context, userID, id string, _ *vault.DecryptCapability) (string, storage.APIKey, error) {
	if f.err != nil {
		return "", storage.APIKey{}, f.err
	}
	return "sk-test-123", storage.APIKey{ID: id, UserID: userID, Provider: "openai", IsActive: true}, nil
}

type fakeGateway struct {
	gotKey string
	send   func(cb providers.Callbacks) error
	image  func(prompt providers.ImagePrompt, cb providers.Callbacks) error
}

func (g *fakeGateway) SendMessage(_ context.Context, _ providers.ProviderID, apiKey, _ string, _ []providers.Message, _ providers.Options, cb providers.Callbacks) error {
	g.gotKey = apiKey
	return g.send(cb)
}

func (g *fakeGateway) GenerateImage(_ context.Context, _ providers.ProviderID, apiKey, _ string, prompt providers.ImagePrompt, _ providers.ImageOptions, cb providers.Callbacks) error {
	g.gotKey = apiKey
	return g.image(prompt, cb)
}

type env struct {
	svc   *chatsend.Service
	relay *queue.EventRelay
	gw    *fakeGateway
}

func newEnv(t *testing.T, keys chatsend.KeyRevealer, limit int64) env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	relay := queue.NewEventRelay(rdb, 100, 0)
	gw := &fakeGateway{}
	svc := chatsend.New(chatsend.Config{
		Keys:    keys,
		Gateway: gw,
		Limiter: queue.NewRateLimiter(rdb, limit),
		Dedupe:  queue.NewRequestDeduplicator(rdb, time.Minute),
		Relay:   relay,
		Logger:  zerolog.Nop(),
	})
	return env{svc: svc, relay: relay, gw: gw}
}

func baseRequest() chatsend.Request {
	return chatsend.Request{
		UserID:    "u1",
		BranchID:  "b1",
		MessageID: "m1",
		KeyID:     "k1",
		Model:     "gpt-4o",
		Messages:  []providers.Message{providers.TextMessage(providers.RoleUser, "hi")},
	}
}

func relayNames(t *testing.T, relay *queue.EventRelay) []string {
	t.Helper()
	msgs, err := relay.Read(context.Background(), "u1", "b1", "0", 100)
	require.NoError(t, err)
	names := make([]string, 0, len(msgs))
	for _, m := range msgs {
		names = append(names, m.Event.Name)
	}
	return names
}

func TestSendStreamsAndRelays(t *testing.T) {
	e := newEnv(t, fakeKeys{}, 10)
	e.gw.send = func(cb providers.Callbacks) error {
		_ = cb.OnText("a")
		_ = cb.OnText("b")
		_ = cb.OnText("c")
		return cb.OnEnd()
	}

	var got []string
	sink := providers.CallbackFuncs{
		Text: func(c string) error { got = append(got, c); return nil },
		End:  func() error { got = append(got, "end"); return nil },
	}
	res, err := e.svc.Send(context.Background(), baseRequest(), nil, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "end"}, got)
	assert.Equal(t, "abc", res.Text)
	assert.Equal(t, "m1", res.MessageID)
	assert.Equal(t, "openai", res.Provider)
	assert.Empty(t, res.Error)
	assert.Equal(t, "sk-test-123", e.gw.gotKey)

	assert.Equal(t, []string{
		queue.EventMessageStart,
		queue.EventMessageChunk,
		queue.EventMessageChunk,
		queue.EventMessageChunk,
		queue.EventMessageEnd,
	}, relayNames(t, e.relay))

	msgs, err := e.relay.Read(context.Background(), "u1", "b1", "0", 100)
	require.NoError(t, err)
	var end struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Event.Data, &end))
	assert.Equal(t, "abc", end.Text)
}

func TestSendReportsStreamFailure(t *testing.T) {
	e := newEnv(t, fakeKeys{}, 10)
	e.gw.send = func(cb providers.Callbacks) error {
		_ = cb.OnText("partial")
		return cb.OnError("Rate limit reached for requests")
	}

	var errs []string
	sink := providers.CallbackFuncs{Error: func(m string) error { errs = append(errs, m); return nil }}
	res, err := e.svc.Send(context.Background(), baseRequest(), nil, sink)
	require.NoError(t, err)
	assert.Equal(t, "Rate limit reached for requests", res.Error)
	assert.Equal(t, "partial", res.Text)
	assert.Equal(t, []string{"Rate limit reached for requests"}, errs)

	names := relayNames(t, e.relay)
	assert.Equal(t, queue.EventMessageError, names[len(names)-1])
}

func TestSendGatewayRejectionBecomesErrorEvent(t *testing.T) {
	e := newEnv(t, fakeKeys{}, 10)
	e.gw.send = func(providers.Callbacks) error {
		return providers.NewError(providers.KindValidation, providers.OpenAI, "model id is empty")
	}

	var errs []string
	sink := providers.CallbackFuncs{Error: func(m string) error { errs = append(errs, m); return nil }}
	res, err := e.svc.Send(context.Background(), baseRequest(), nil, sink)
	require.NoError(t, err)
	assert.Equal(t, "model id is empty", res.Error)
	assert.Equal(t, []string{"model id is empty"}, errs)
}

func TestSendImage(t *testing.T) {
	e := newEnv(t, fakeKeys{}, 10)
	e.gw.image = func(prompt providers.ImagePrompt, cb providers.Callbacks) error {
		assert.Equal(t, "hi", prompt.String())
		media := cb.(providers.MediaCallbacks)
		_ = media.OnMediaGenStart(providers.MediaImage)
		_ = media.OnMediaGenEnd("https://img.example/cat.png", providers.MediaImage, providers.MediaMetadata{Prompt: "hi", RevisedPrompt: "a cat"})
		_ = cb.OnText("a cat")
		return cb.OnEnd()
	}

	req := baseRequest()
	req.UseImageTool = true
	res, err := e.svc.Send(context.Background(), req, nil, providers.CallbackFuncs{})
	require.NoError(t, err)
	require.Len(t, res.Media, 1)
	assert.Equal(t, "https://img.example/cat.png", res.Media[0].URL)
	assert.Equal(t, "a cat", res.Text)

	assert.Equal(t, []string{
		queue.EventMessageStart,
		queue.EventMediaStart,
		queue.EventMediaEnd,
		queue.EventMessageChunk,
		queue.EventMessageEnd,
	}, relayNames(t, e.relay))
}

func TestSendDeduplicates(t *testing.T) {
	e := newEnv(t, fakeKeys{}, 10)
	e.gw.send = func(cb providers.Callbacks) error { return cb.OnEnd() }

	req := baseRequest()
	req.RequestID = "req-1"
	_, err := e.svc.Send(context.Background(), req, nil, nil)
	require.NoError(t, err)

	_, err = e.svc.Send(context.Background(), req, nil, nil)
	assert.ErrorIs(t, err, chatsend.ErrDuplicateRequest)
}

func TestSendRateLimited(t *testing.T) {
	e := newEnv(t, fakeKeys{}, 1)
	e.gw.send = func(cb providers.Callbacks) error { return cb.OnEnd() }

	_, err := e.svc.Send(context.Background(), baseRequest(), nil, nil)
	require.NoError(t, err)

	_, err = e.svc.Send(context.Background(), baseRequest(), nil, nil)
	var rl *chatsend.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, int64(2), rl.Used)
}

func TestSendRefusedBeforeStart(t *testing.T) {
	e := newEnv(t, fakeKeys{err: vault.ErrVaultOpenFailed}, 10)

	_, err := e.svc.Send(context.Background(), baseRequest(), nil, nil)
	assert.ErrorIs(t, err, vault.ErrVaultOpenFailed)
	assert.Empty(t, relayNames(t, e.relay))

	req := baseRequest()
	req.Messages = nil
	_, err = e.svc.Send(context.Background(), req, nil, nil)
	assert.ErrorIs(t, err, chatsend.ErrInvalidRequest)
}

func TestSendRefusalReleasesRequestID(t *testing.T) {
	e := newEnv(t, fakeKeys{err: vault.ErrVaultOpenFailed}, 10)

	req := baseRequest()
	req.RequestID = "req-retry"
	_, err := e.svc.Send(context.Background(), req, nil, nil)
	require.ErrorIs(t, err, vault.ErrVaultOpenFailed)

	_, err = e.svc.Send(context.Background(), req, nil, nil)
	assert.ErrorIs(t, err, vault.ErrVaultOpenFailed)
	assert.NotErrorIs(t, err, chatsend.ErrDuplicateRequest)
}
