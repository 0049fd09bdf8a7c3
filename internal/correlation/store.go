// Package correlation maps provider message ids to internal hashes across a
// fast TTL tier and a durable tier.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"wapipe/internal/cache"
	"wapipe/internal/domain"
)

// Durable is the persistent tier. SaveCorrelation returns domain.ErrDuplicate
// when the provider message id already exists; FindCorrelation returns
// domain.ErrNotFound on a miss.
type Durable interface {
	SaveCorrelation(ctx context.Context, e domain.CorrelationEntry) error
	FindCorrelation(ctx context.Context, providerMessageID string) (domain.CorrelationEntry, error)
}

type Options struct {
	TTL     time.Duration // fast-tier lifetime of a fresh entry
	ReadTTL time.Duration // fast-tier lifetime once a Read ack was seen
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.ReadTTL <= 0 {
		o.ReadTTL = 100 * time.Second
	}
	return o
}

type Store struct {
	Fast    cache.Store
	Durable Durable
	opts    Options
}

func NewStore(fast cache.Store, durable Durable, opts Options) *Store {
	return &Store{Fast: fast, Durable: durable, opts: opts.withDefaults()}
}

func fastKey(providerMessageID string) string { return "corr:" + providerMessageID }

// Save writes both tiers. A duplicate provider id in the durable tier is not
// an error: entries are never mutated, the first one stands.
func (s *Store) Save(ctx context.Context, e domain.CorrelationEntry) error {
	if e.ProviderMessageID == "" || e.Hash == "" {
		return domain.ErrMissingFields
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.Durable.SaveCorrelation(ctx, e); err != nil && !errors.Is(err, domain.ErrDuplicate) {
		return err
	}
	return s.cacheEntry(ctx, e)
}

func (s *Store) cacheEntry(ctx context.Context, e domain.CorrelationEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Fast.Set(ctx, fastKey(e.ProviderMessageID), string(b), s.opts.TTL)
}

func (s *Store) lookupFast(ctx context.Context, providerMessageID string) (domain.CorrelationEntry, bool, error) {
	raw, ok, err := s.Fast.Get(ctx, fastKey(providerMessageID))
	if err != nil || !ok {
		return domain.CorrelationEntry{}, false, err
	}
	var e domain.CorrelationEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return domain.CorrelationEntry{}, false, err
	}
	return e, true, nil
}

// ShortenAfterRead keeps the fast entry around briefly instead of deleting
// it, so a duplicate read or a late delivered still resolves.
func (s *Store) ShortenAfterRead(ctx context.Context, providerMessageID string) error {
	return s.Fast.Expire(ctx, fastKey(providerMessageID), s.opts.ReadTTL)
}
