package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Emitter is how adapters talk to Callbacks. It drops empty chunks,
// guarantees at most one terminal callback, and contains callback failures
// so a broken consumer never interrupts the vendor stream.
type Emitter struct {
	cb    Callbacks
	media MediaCallbacks
	log   zerolog.Logger

	mu     sync.Mutex
	done   bool
	chunks int
}

func NewEmitter(cb Callbacks, log zerolog.Logger) *Emitter {
	e := &Emitter{cb: cb, log: log}
	if m, ok := cb.(MediaCallbacks); ok {
		e.media = m
	}
	return e
}

func (e *Emitter) Text(chunk string) {
	if chunk == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.chunks++
	e.invoke("OnText", func() error { return e.cb.OnText(chunk) })
}

// End fires OnEnd unless a terminal callback already fired.
func (e *Emitter) End() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.done = true
	e.invoke("OnEnd", e.cb.OnEnd)
	return true
}

// Fail fires OnError with the user facing message for err.
func (e *Emitter) Fail(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.done = true
	msg := ErrorMessage(err)
	e.invoke("OnError", func() error { return e.cb.OnError(msg) })
	return true
}

func (e *Emitter) MediaStart(kind MediaKind) {
	if e.media == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.invoke("OnMediaGenStart", func() error { return e.media.OnMediaGenStart(kind) })
}

func (e *Emitter) MediaEnd(url string, kind MediaKind, meta MediaMetadata) {
	if e.media == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.invoke("OnMediaGenEnd", func() error { return e.media.OnMediaGenEnd(url, kind, meta) })
}

func (e *Emitter) MediaError(err error, kind MediaKind) {
	if e.media == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	msg := ErrorMessage(err)
	e.invoke("OnMediaGenError", func() error { return e.media.OnMediaGenError(msg, kind) })
}

func (e *Emitter) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Emitter) Chunks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunks
}

func (e *Emitter) invoke(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("callback", name).Interface("panic", r).Msg("stream callback panicked")
		}
	}()
	if err := fn(); err != nil {
		e.log.Warn().Err(err).Str("callback", name).Msg("stream callback failed")
	}
}

type EventType string

const (
	EventText       EventType = "text"
	EventEnd        EventType = "end"
	EventError      EventType = "error"
	EventMediaStart EventType = "media_start"
	EventMediaEnd   EventType = "media_end"
	EventMediaError EventType = "media_error"
)

type Event struct {
	Type     EventType      `json:"type"`
	Text     string         `json:"text,omitempty"`
	Error    string         `json:"error,omitempty"`
	Kind     MediaKind      `json:"kind,omitempty"`
	URL      string         `json:"url,omitempty"`
	Metadata *MediaMetadata `json:"metadata,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// ChannelSink turns callbacks into a stream of Events. Sends block until the
// consumer reads or ctx is done; after that, events are dropped so the
// producer still runs to its terminal state.
type ChannelSink struct {
	ctx  context.Context
	ch   chan Event
	once sync.Once
}

var (
	_ Callbacks      = (*ChannelSink)(nil)
	_ MediaCallbacks = (*ChannelSink)(nil)
)

func NewChannelSink(ctx context.Context, buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{ctx: ctx, ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close must be called by the producer once it has returned.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.ch) })
}

func (s *ChannelSink) send(ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("stream consumer gone: %w", s.ctx.Err())
	}
}

func (s *ChannelSink) OnText(chunk string) error {
	return s.send(Event{Type: EventText, Text: chunk})
}

func (s *ChannelSink) OnEnd() error {
	return s.send(Event{Type: EventEnd})
}

func (s *ChannelSink) OnError(message string) error {
	return s.send(Event{Type: EventError, Error: message})
}

func (s *ChannelSink) OnMediaGenStart(kind MediaKind) error {
	return s.send(Event{Type: EventMediaStart, Kind: kind})
}

func (s *ChannelSink) OnMediaGenEnd(url string, kind MediaKind, meta MediaMetadata) error {
	return s.send(Event{Type: EventMediaEnd, Kind: kind, URL: url, Metadata: &meta})
}

func (s *ChannelSink) OnMediaGenError(message string, kind MediaKind) error {
	return s.send(Event{Type: EventMediaError, Kind: kind, Error: message})
}

// Dispatch replays ev on cb. It is the inverse of ChannelSink.
func Dispatch(cb Callbacks, ev Event) error {
	switch ev.Type {
	case EventText:
		return cb.OnText(ev.Text)
	case EventEnd:
		return cb.OnEnd()
	case EventError:
		return cb.OnError(ev.Error)
	}
	media, ok := cb.(MediaCallbacks)
	if !ok {
		return nil
	}
	switch ev.Type {
	case EventMediaStart:
		return media.OnMediaGenStart(ev.Kind)
	case EventMediaEnd:
		var meta MediaMetadata
		if ev.Metadata != nil {
			meta = *ev.Metadata
		}
		return media.OnMediaGenEnd(ev.URL, ev.Kind, meta)
	case EventMediaError:
		return media.OnMediaGenError(ev.Error, ev.Kind)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}
