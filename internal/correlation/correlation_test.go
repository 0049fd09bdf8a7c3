package correlation

import (
	"context"
	"testing"
	"time"

	"wapipe/internal/cache"
	"wapipe/internal/domain"
	"wapipe/internal/store/memory"
)

func newStore() (*Store, *cache.Memory, *memory.Store) {
	fast := cache.NewMemory(time.Minute)
	durable := memory.New()
	return NewStore(fast, durable, Options{TTL: time.Hour, ReadTTL: 30 * time.Millisecond}), fast, durable
}

func TestSaveThenResolveFast(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore()
	if err := st.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "wamid.1", Hash: "H1", ChannelToken: "ch"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	r := &Resolver{Store: st}
	res := r.Resolve(ctx, "wamid.1")
	if res.Source != SourceFast || res.Entry.Hash != "H1" {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestResolveFallsBackToDurableAndBackfills(t *testing.T) {
	ctx := context.Background()
	st, fast, durable := newStore()
	_ = durable.SaveCorrelation(ctx, domain.CorrelationEntry{ProviderMessageID: "wamid.2", Hash: "H2"})

	r := &Resolver{Store: st, RetryDelay: time.Millisecond}
	res := r.Resolve(ctx, "wamid.2")
	if res.Source != SourceDurable || res.Entry.Hash != "H2" {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if _, ok, _ := fast.Get(ctx, fastKey("wamid.2")); !ok {
		t.Fatalf("expected fast tier backfill")
	}
}

func TestResolveWaitsOnceForLateWrite(t *testing.T) {
	ctx := context.Background()
	st, fast, _ := newStore()

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = fast.Set(ctx, fastKey("wamid.3"), `{"providerMessageId":"wamid.3","hash":"H3"}`, time.Hour)
	}()

	r := &Resolver{Store: st, RetryDelay: 50 * time.Millisecond}
	res := r.Resolve(ctx, "wamid.3")
	if res.Source != SourceFast || res.Entry.Hash != "H3" {
		t.Fatalf("expected late fast hit, got %+v", res)
	}
}

func TestResolveIdentityFallback(t *testing.T) {
	st, _, _ := newStore()
	r := &Resolver{Store: st}
	res := r.Resolve(context.Background(), "wamid.unknown")
	if res.Correlated() || res.Entry.Hash != "wamid.unknown" {
		t.Fatalf("expected identity fallback, got %+v", res)
	}
}

func TestSaveDuplicateIsNotAnError(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore()
	e := domain.CorrelationEntry{ProviderMessageID: "wamid.4", Hash: "H4"}
	if err := st.Save(ctx, e); err != nil {
		t.Fatalf("first save: %v", err)
	}
	e.Hash = "H4b"
	if err := st.Save(ctx, e); err != nil {
		t.Fatalf("duplicate save should be soft, got %v", err)
	}
	if err := st.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "x"}); err != domain.ErrMissingFields {
		t.Fatalf("expected missing fields, got %v", err)
	}
}

func TestShortenAfterRead(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore()
	_ = st.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "wamid.5", Hash: "H5"})
	if err := st.ShortenAfterRead(ctx, "wamid.5"); err != nil {
		t.Fatalf("shorten: %v", err)
	}

	r := &Resolver{Store: st}
	if res := r.Resolve(ctx, "wamid.5"); res.Source != SourceFast {
		t.Fatalf("entry should still resolve right after read, got %s", res.Source)
	}
	time.Sleep(60 * time.Millisecond)
	// fast entry gone, durable still answers
	if res := r.Resolve(ctx, "wamid.5"); res.Source != SourceDurable {
		t.Fatalf("expected durable after fast expiry, got %s", res.Source)
	}
}

func TestResolveQuotedHasNoIdentityFallback(t *testing.T) {
	st, _, _ := newStore()
	r := &Resolver{Store: st}
	if _, ok := r.ResolveQuoted(context.Background(), "wamid.none"); ok {
		t.Fatalf("quoted lookup should miss")
	}
}
