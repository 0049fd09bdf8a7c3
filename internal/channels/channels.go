// Package channels looks up tenant channel configuration by token.
package channels

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"wapipe/internal/domain"
)

// Source returns domain.ErrNotFound for unknown tokens.
type Source interface {
	GetChannelConfig(ctx context.Context, token string) (domain.ChannelConfig, error)
}

// Cached serves configurations from memory for TTL after the first lookup.
// Misses are not cached so a freshly created channel works immediately.
type Cached struct {
	Source Source
	c      *gocache.Cache
}

func NewCached(src Source, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{Source: src, c: gocache.New(ttl, 2*ttl)}
}

func (c *Cached) Get(ctx context.Context, token string) (domain.ChannelConfig, error) {
	if v, ok := c.c.Get(token); ok {
		return v.(domain.ChannelConfig), nil
	}
	cfg, err := c.Source.GetChannelConfig(ctx, token)
	if err != nil {
		return domain.ChannelConfig{}, err
	}
	if cfg.Token == "" {
		cfg.Token = token
	}
	c.c.SetDefault(token, cfg)
	return cfg, nil
}

// Forget drops a cached configuration.
func (c *Cached) Forget(token string) { c.c.Delete(token) }
