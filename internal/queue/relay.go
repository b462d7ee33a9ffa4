package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventMessageStart = "message:start"
	EventMessageChunk = "message:chunk"
	EventMessageEnd   = "message:end"
	EventMessageError = "message:error"
	EventMediaStart   = "media:start"
	EventMediaEnd     = "media:end"
	EventMediaError   = "media:error"
)

// RelayEvent is one entry on a conversation branch stream. Other processes
// (websocket fan-out, history writers) tail these streams.
type RelayEvent struct {
	Name      string          `json:"event"`
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

type RelayMessage struct {
	ID    string
	Event RelayEvent
}

// EventRelay publishes stream events to capped redis streams keyed by user
// and branch.
type EventRelay struct {
	redis  *redis.Client
	maxLen int64
	block  time.Duration
}

func NewEventRelay(rdb *redis.Client, maxLen int64, block time.Duration) *EventRelay {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &EventRelay{redis: rdb, maxLen: maxLen, block: block}
}

func StreamKey(userID, branchID string) string {
	if branchID == "" {
		branchID = "main"
	}
	return fmt.Sprintf("keygate:events:%s:%s", userID, branchID)
}

func (r *EventRelay) Publish(ctx context.Context, userID, branchID string, ev RelayEvent) (string, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	id, err := r.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(userID, branchID),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{"event": ev.Name, "payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Read returns events after lastID ("0" for the whole stream, "$" for new
// ones only), blocking up to the relay's block duration. A non-positive
// block duration returns immediately.
func (r *EventRelay) Read(ctx context.Context, userID, branchID, lastID string, count int64) ([]RelayMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	block := r.block
	if block <= 0 {
		// go-redis sends BLOCK 0 (wait forever) for a zero duration.
		block = -1
	}
	res, err := r.redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(userID, branchID), lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread: %w", err)
	}

	out := make([]RelayMessage, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			raw, ok := m.Values["payload"]
			if !ok {
				continue
			}

			var b []byte
			switch v := raw.(type) {
			case string:
				b = []byte(v)
			case []byte:
				b = v
			default:
				continue
			}

			var ev RelayEvent
			if err := json.Unmarshal(b, &ev); err != nil {
				continue
			}
			out = append(out, RelayMessage{ID: m.ID, Event: ev})
		}
	}
	return out, nil
}

// Trim drops a branch stream, for example after the branch was deleted.
func (r *EventRelay) Trim(ctx context.Context, userID, branchID string) error {
	if err := r.redis.Del(ctx, StreamKey(userID, branchID)).Err(); err != nil {
		return fmt.Errorf("del stream: %w", err)
	}
	return nil
}
