package anthropic_messages

import (
	"encoding/json"
	"io"

	"keygate/internal/providers"
)

// messageStream decodes the Messages API event stream and pushes "text",
// "end" and "error" events to registered handlers. Exactly one of "end" or
// "error" fires per consume.
type messageStream struct {
	handlers map[string][]func(string)
}

func (s *messageStream) on(event string, fn func(string)) *messageStream {
	if s.handlers == nil {
		s.handlers = map[string][]func(string){}
	}
	s.handlers[event] = append(s.handlers[event], fn)
	return s
}

func (s *messageStream) emit(event, payload string) {
	for _, fn := range s.handlers[event] {
		fn(payload)
	}
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *messageStream) consume(r io.Reader) {
	for ev, err := range providers.ReadSSE(r) {
		if err != nil {
			s.emit("error", providers.ErrorMessage(err))
			return
		}
		var se streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
			s.emit("error", "decode stream event: "+err.Error())
			return
		}
		if se.Type == "" {
			se.Type = ev.Event
		}
		switch se.Type {
		case "content_block_delta":
			if se.Delta.Type == "text_delta" && se.Delta.Text != "" {
				s.emit("text", se.Delta.Text)
			}
		case "message_stop":
			s.emit("end", "")
			return
		case "error":
			msg := se.Error.Message
			if msg == "" {
				msg = "Unknown error"
			}
			s.emit("error", msg)
			return
		}
	}
	s.emit("error", "stream ended before message_stop")
}
