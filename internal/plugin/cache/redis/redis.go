package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/model"
	registrycache "github.com/antigravity/cortex/internal/registry/cache"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CORTEX_REDIS_URL is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a MemoryCache from a Redis-compatible URL with an
// explicit default TTL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.MemoryCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisMemoryCache{client: client, ttl: ttl}, nil
}

type redisMemoryCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func memoryKey(id uuid.UUID) string {
	return "cortex-mem:" + id.String()
}

func (c *redisMemoryCache) Available() bool {
	return true
}

func (c *redisMemoryCache) Get(ctx context.Context, memoryID uuid.UUID) (*model.Memory, error) {
	data, err := c.client.Get(ctx, memoryKey(memoryID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m model.Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *redisMemoryCache) Set(ctx context.Context, m *model.Memory, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, memoryKey(m.ID), data, ttl).Err()
}

func (c *redisMemoryCache) Remove(ctx context.Context, memoryID uuid.UUID) error {
	return c.client.Del(ctx, memoryKey(memoryID)).Err()
}

var _ registrycache.MemoryCache = (*redisMemoryCache)(nil)
