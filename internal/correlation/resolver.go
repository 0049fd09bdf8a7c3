package correlation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wapipe/internal/domain"
	"wapipe/internal/observability"
)

// Source tells which step of the fallback chain produced a resolution.
type Source string

const (
	SourceFast     Source = "fast"
	SourceDurable  Source = "durable"
	SourceIdentity Source = "identity"
)

type Resolution struct {
	Entry  domain.CorrelationEntry
	Source Source
}

// Correlated is false when the hash is the provider id itself.
func (r Resolution) Correlated() bool { return r.Source != SourceIdentity }

// Resolver resolves provider ids in a fixed order: fast tier, one bounded
// wait and fast recheck, durable tier, identity fallback.
type Resolver struct {
	Store      *Store
	RetryDelay time.Duration
	Obs        observability.Port
}

func (r *Resolver) obs() observability.Port {
	if r.Obs == nil {
		return observability.Nop{}
	}
	return r.Obs
}

// Resolve never fails: infrastructure errors degrade to the next step.
func (r *Resolver) Resolve(ctx context.Context, providerMessageID string) Resolution {
	if res, ok := r.lookup(ctx, providerMessageID, true); ok {
		return res
	}
	r.obs().Count("correlation", "miss")
	return Resolution{
		Entry:  domain.CorrelationEntry{ProviderMessageID: providerMessageID, Hash: providerMessageID},
		Source: SourceIdentity,
	}
}

// ResolveQuoted resolves a quoted message id without the wait and without the
// identity fallback.
func (r *Resolver) ResolveQuoted(ctx context.Context, providerMessageID string) (domain.CorrelationEntry, bool) {
	if providerMessageID == "" {
		return domain.CorrelationEntry{}, false
	}
	res, ok := r.lookup(ctx, providerMessageID, false)
	return res.Entry, ok
}

func (r *Resolver) lookup(ctx context.Context, id string, wait bool) (Resolution, bool) {
	if e, ok := r.fast(ctx, id); ok {
		return Resolution{Entry: e, Source: SourceFast}, true
	}

	if wait && r.RetryDelay > 0 {
		t := time.NewTimer(r.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
			if e, ok := r.fast(ctx, id); ok {
				return Resolution{Entry: e, Source: SourceFast}, true
			}
		}
	}

	e, err := r.Store.Durable.FindCorrelation(ctx, id)
	switch {
	case err == nil:
		if err := r.Store.cacheEntry(ctx, e); err != nil {
			slog.Warn("correlation backfill failed", "provider_message_id", id, "err", err)
		}
		return Resolution{Entry: e, Source: SourceDurable}, true
	case errors.Is(err, domain.ErrNotFound):
	default:
		slog.Warn("correlation durable lookup failed", "provider_message_id", id, "err", err)
	}
	return Resolution{}, false
}

func (r *Resolver) fast(ctx context.Context, id string) (domain.CorrelationEntry, bool) {
	e, ok, err := r.Store.lookupFast(ctx, id)
	if err != nil {
		slog.Warn("correlation fast lookup failed", "provider_message_id", id, "err", err)
		return domain.CorrelationEntry{}, false
	}
	return e, ok
}
