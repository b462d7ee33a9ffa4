package gateway

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"keygate/internal/metrics"
	"keygate/internal/providers"
)

var errNoTerminal = errors.New("stream ended without a result")

// trackedCallbacks sits between an adapter and the caller. It counts
// chunks, remembers the outcome, and makes sure the caller sees exactly one
// terminal callback even from adapters that do not use providers.Emitter.
type trackedCallbacks struct {
	inner    providers.Callbacks
	media    providers.MediaCallbacks
	provider providers.ProviderID
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	started  bool
	terminal bool
	err      error
}

var (
	_ providers.Callbacks      = (*trackedCallbacks)(nil)
	_ providers.MediaCallbacks = (*trackedCallbacks)(nil)
)

func (g *Gateway) track(provider providers.ProviderID, cb providers.Callbacks) *trackedCallbacks {
	tc := &trackedCallbacks{inner: cb, provider: provider, metrics: g.metrics, log: g.log}
	if m, ok := cb.(providers.MediaCallbacks); ok {
		tc.media = m
	}
	return tc
}

func (t *trackedCallbacks) fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started || t.terminal
}

func (t *trackedCallbacks) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return false
	}
	t.started = true
	return true
}

func (t *trackedCallbacks) end(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return false
	}
	t.terminal = true
	t.started = true
	t.err = err
	return true
}

// finish closes a stream the adapter left open.
func (t *trackedCallbacks) finish(err error) {
	t.mu.Lock()
	open := !t.terminal
	t.mu.Unlock()
	if !open {
		return
	}
	if err == nil {
		err = errNoTerminal
	}
	t.log.Warn().Str("provider", string(t.provider)).Msg("adapter returned without a terminal callback")
	_ = t.OnError(providers.ErrorMessage(err))
}

func (t *trackedCallbacks) OnText(chunk string) error {
	if !t.begin() {
		return nil
	}
	t.metrics.StreamChunks.WithLabelValues(string(t.provider)).Inc()
	return t.inner.OnText(chunk)
}

func (t *trackedCallbacks) OnEnd() error {
	if !t.end(nil) {
		return nil
	}
	return t.inner.OnEnd()
}

func (t *trackedCallbacks) OnError(message string) error {
	if !t.end(errors.New(message)) {
		return nil
	}
	return t.inner.OnError(message)
}

func (t *trackedCallbacks) OnMediaGenStart(kind providers.MediaKind) error {
	if !t.begin() || t.media == nil {
		return nil
	}
	return t.media.OnMediaGenStart(kind)
}

func (t *trackedCallbacks) OnMediaGenEnd(url string, kind providers.MediaKind, meta providers.MediaMetadata) error {
	if !t.begin() || t.media == nil {
		return nil
	}
	return t.media.OnMediaGenEnd(url, kind, meta)
}

func (t *trackedCallbacks) OnMediaGenError(message string, kind providers.MediaKind) error {
	if !t.begin() || t.media == nil {
		return nil
	}
	return t.media.OnMediaGenError(message, kind)
}
