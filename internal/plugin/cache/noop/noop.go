package noop

import (
	"context"
	"time"

	"github.com/antigravity/cortex/internal/model"
	"github.com/antigravity/cortex/internal/registry/cache"
	"github.com/google/uuid"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.MemoryCache, error) {
			return &noopMemoryCache{}, nil
		},
	})
}

type noopMemoryCache struct{}

func (n *noopMemoryCache) Available() bool { return false }
func (n *noopMemoryCache) Get(_ context.Context, _ uuid.UUID) (*model.Memory, error) {
	return nil, nil
}
func (n *noopMemoryCache) Set(_ context.Context, _ *model.Memory, _ time.Duration) error {
	return nil
}
func (n *noopMemoryCache) Remove(_ context.Context, _ uuid.UUID) error { return nil }

var _ cache.MemoryCache = (*noopMemoryCache)(nil)
