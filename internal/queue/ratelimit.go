package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix    = "keygate:ratelimit:"
	requestKeyPrefix = "keygate:request:"
	rateWindow       = time.Hour
)

// hitWindow increments a window counter and sets its expiry on the first hit
// only, so the window never slides.
var hitWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter counts sends per user in fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func rateKey(userID string, windowStart time.Time) string {
	return rateKeyPrefix + userID + ":" + windowStart.Format("2006010215")
}

// Allow records one send for userID and reports whether it fits the budget.
// resetAt is the end of the current window. A limit of zero or less disables
// limiting; sends are still counted.
func (r *RateLimiter) Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error) {
	start := now.UTC().Truncate(rateWindow)
	resetAt := start.Add(rateWindow)
	ttlSeconds := int64(resetAt.Sub(now.UTC()) / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	used, err := hitWindow.Run(ctx, r.redis, []string{rateKey(userID, start)}, ttlSeconds).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit %s: %w", userID, err)
	}
	allowed := r.limit <= 0 || used <= r.limit
	return allowed, used, resetAt, nil
}

// RequestDeduplicator remembers client request ids for ttl so a replayed
// send is not streamed twice.
type RequestDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRequestDeduplicator(rdb *redis.Client, ttl time.Duration) *RequestDeduplicator {
	return &RequestDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst claims requestID. It returns false when the id was already
// claimed inside the ttl.
func (d *RequestDeduplicator) MarkFirst(ctx context.Context, requestID string) (bool, error) {
	claimed, err := d.redis.SetNX(ctx, requestKeyPrefix+requestID, time.Now().UTC().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim request %s: %w", requestID, err)
	}
	return claimed, nil
}

// Release drops a claim so the same id can be sent again. Used when a send
// is refused before anything was streamed.
func (d *RequestDeduplicator) Release(ctx context.Context, requestID string) error {
	if err := d.redis.Del(ctx, requestKeyPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("release request %s: %w", requestID, err)
	}
	return nil
}
