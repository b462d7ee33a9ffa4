package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keygate/internal/providers"
)

const DefaultModelCacheTTL = 10 * time.Minute

// ModelCache keeps ListModels results in redis. Entries are keyed by a hash
// of the API key so the key itself never reaches redis.
type ModelCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewModelCache(rdb *redis.Client, ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = DefaultModelCacheTTL
	}
	return &ModelCache{redis: rdb, ttl: ttl}
}

func (c *ModelCache) key(provider providers.ProviderID, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("keygate:models:%s:%s", provider, hex.EncodeToString(sum[:]))
}

func (c *ModelCache) Get(ctx context.Context, provider providers.ProviderID, apiKey string) ([]providers.Model, bool, error) {
	raw, err := c.redis.Get(ctx, c.key(provider, apiKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("model cache get: %w", err)
	}
	var models []providers.Model
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, false, fmt.Errorf("model cache decode: %w", err)
	}
	return models, true, nil
}

func (c *ModelCache) Set(ctx context.Context, provider providers.ProviderID, apiKey string, models []providers.Model) error {
	raw, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("model cache encode: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(provider, apiKey), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("model cache set: %w", err)
	}
	return nil
}

func (c *ModelCache) Invalidate(ctx context.Context, provider providers.ProviderID, apiKey string) error {
	if err := c.redis.Del(ctx, c.key(provider, apiKey)).Err(); err != nil {
		return fmt.Errorf("model cache del: %w", err)
	}
	return nil
}
