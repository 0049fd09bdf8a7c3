package ack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wapipe/internal/cache"
	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/providers/gupshup"
	"wapipe/internal/providers/meta"
	"wapipe/internal/store/memory"
)

type sinkRecorder struct {
	mu      sync.Mutex
	acks    []domain.AckRecord
	billing []domain.BillingRecord
	fail    error
}

func (s *sinkRecorder) UpdateActivityAck(_ context.Context, rec domain.AckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, rec)
	return nil
}

func (s *sinkRecorder) CreateBillingRecord(_ context.Context, rec domain.BillingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.billing = append(s.billing, rec)
	return nil
}

type convRecorder struct {
	mu          sync.Mutex
	delivered   []string
	invalidated []string
	heartbeats  []domain.HeartbeatKind
}

func (c *convRecorder) MarkFirstDelivered(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, id)
	return nil
}

func (c *convRecorder) Invalidate(_ context.Context, id, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
	return nil
}

func (c *convRecorder) Heartbeat(_ context.Context, _ string, kind domain.HeartbeatKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, kind)
	return nil
}

type fixture struct {
	proc  *Processor
	sink  *sinkRecorder
	conv  *convRecorder
	db    *memory.Store
	fast  *cache.Memory
	obs   *observability.Recorder
	store *correlation.Store
}

func newFixture() *fixture {
	fast := cache.NewMemory(time.Minute)
	db := memory.New()
	st := correlation.NewStore(fast, db, correlation.Options{})
	sink := &sinkRecorder{}
	conv := &convRecorder{}
	obs := observability.NewRecorder()
	return &fixture{
		proc: &Processor{
			Resolver:      &correlation.Resolver{Store: st, RetryDelay: time.Millisecond, Obs: obs},
			Providers:     providers.NewRegistry(meta.New(), gupshup.New()),
			Ledger:        db,
			Audit:         db,
			Sink:          sink,
			Conversations: conv,
			Billing:       &Billing{Dedupe: fast, Sink: sink, Obs: obs},
			Obs:           obs,
		},
		sink: sink, conv: conv, db: db, fast: fast, obs: obs, store: st,
	}
}

func status(id, name, code string) domain.IncomingEvent {
	return domain.IncomingEvent{
		Kind:         domain.KindStatus,
		Provider:     domain.ProviderMeta,
		ChannelToken: "ch1",
		Status:       &domain.StatusUpdate{ProviderMessageID: id, Status: name, ErrorCode: code, Timestamp: time.Unix(1700000000, 0).UTC()},
	}
}

func TestClassifyTable(t *testing.T) {
	for code, want := range DefaultErrorCodes {
		got, err := Classify("failed", code, nil)
		if err != nil || got != want {
			t.Fatalf("code %s: want %s, got %s (%v)", code, want, got, err)
		}
	}
	cases := map[string]domain.AckType{
		"sent": domain.AckServer, "delivered": domain.AckDelivery, "read": domain.AckRead, "enqueued": domain.AckEnqueued,
	}
	for st, want := range cases {
		if got, err := Classify(st, "", nil); err != nil || got != want {
			t.Fatalf("status %s: want %s, got %s", st, want, got)
		}
	}
	if got, err := Classify("failed", "999999", nil); got != domain.AckUnmapped || !errors.Is(err, ErrUnmappedCode) {
		t.Fatalf("expected unmapped, got %s %v", got, err)
	}
	if _, err := Classify("deleted", "", nil); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected unknown status, got %v", err)
	}
	if got, _ := Classify("failed", "1002", gupshup.New().ErrorCodes()); got != domain.AckNumberInvalid {
		t.Fatalf("expected override to apply, got %s", got)
	}
}

func TestDeliveredTwiceEmitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_ = f.store.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "wamid.123", Hash: "H1", ConversationID: "c1", ChannelToken: "ch1"})

	for i := 0; i < 2; i++ {
		if err := f.proc.Handle(ctx, status("wamid.123", "delivered", "")); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if len(f.sink.acks) != 1 {
		t.Fatalf("expected exactly one ack, got %d", len(f.sink.acks))
	}
	got := f.sink.acks[0]
	if got.Hash != "H1" || got.AckType != domain.AckDelivery || !got.Correlated {
		t.Fatalf("unexpected ack %+v", got)
	}
	if len(f.conv.delivered) != 1 || f.conv.delivered[0] != "c1" {
		t.Fatalf("expected first-delivered side effect, got %v", f.conv.delivered)
	}
	if n := len(f.db.DeliveryEvents()); n != 2 {
		t.Fatalf("expected both statuses audited, got %d", n)
	}
}

func TestLateSentDoesNotRegressRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_ = f.store.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "w1", Hash: "H1", ConversationID: "c1"})

	_ = f.proc.Handle(ctx, status("w1", "read", ""))
	_ = f.proc.Handle(ctx, status("w1", "sent", ""))
	_ = f.proc.Handle(ctx, status("w1", "delivered", ""))

	if len(f.sink.acks) != 1 || f.sink.acks[0].AckType != domain.AckRead {
		t.Fatalf("expected only the read ack, got %+v", f.sink.acks)
	}
	if got, _ := f.db.AckOf("H1"); got != domain.AckRead {
		t.Fatalf("ledger regressed to %s", got)
	}
	if len(f.conv.heartbeats) != 1 || f.conv.heartbeats[0] != domain.HeartbeatRead {
		t.Fatalf("expected read heartbeat, got %v", f.conv.heartbeats)
	}
}

func TestFailureAfterDeliveryIsAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_ = f.store.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "w1", Hash: "H1", ConversationID: "c1"})

	_ = f.proc.Handle(ctx, status("w1", "delivered", ""))
	_ = f.proc.Handle(ctx, status("w1", "failed", "131026"))

	if len(f.sink.acks) != 2 || f.sink.acks[1].AckType != domain.AckNumberInvalid {
		t.Fatalf("unexpected acks %+v", f.sink.acks)
	}
	if len(f.conv.invalidated) != 1 || f.conv.invalidated[0] != "c1" {
		t.Fatalf("expected conversation invalidation, got %v", f.conv.invalidated)
	}
}

func TestDegradedCorrelation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	if err := f.proc.Handle(ctx, status("wamid.unknown", "failed", "131026")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.sink.acks) != 1 {
		t.Fatalf("expected an ack even without correlation, got %d", len(f.sink.acks))
	}
	got := f.sink.acks[0]
	if got.Hash != "wamid.unknown" || got.Correlated {
		t.Fatalf("expected identity fallback, got %+v", got)
	}
	if len(f.conv.invalidated) != 0 {
		t.Fatalf("side effects must not run uncorrelated, got %v", f.conv.invalidated)
	}
	if f.obs.Counted("correlation", "miss") != 1 {
		t.Fatalf("expected correlation miss to be counted")
	}
}

func TestUnmappedCodeIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_ = f.proc.Handle(ctx, status("w9", "failed", "424242"))

	if len(f.sink.acks) != 1 || f.sink.acks[0].AckType != domain.AckUnmapped {
		t.Fatalf("expected synthetic ack, got %+v", f.sink.acks)
	}
	reports := f.obs.Reports()
	if len(reports) != 1 || reports[0] != "ack_unmapped" {
		t.Fatalf("expected unmapped report, got %v", reports)
	}
}

func TestUnknownStatusIgnored(t *testing.T) {
	f := newFixture()
	_ = f.proc.Handle(context.Background(), status("w1", "deleted", ""))
	if len(f.sink.acks) != 0 || f.obs.Counted("ack", "ignored") != 1 {
		t.Fatalf("expected status to be ignored")
	}
}

func TestBillingExtraction(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_ = f.proc.Handle(ctx, status("w1", "sent", ""))
	if len(f.sink.billing) != 0 {
		t.Fatalf("sent without pricing must not bill")
	}

	ev := status("w2", "sent", "")
	ev.Status.RecipientID = "5548999998888"
	ev.Status.Pricing = &domain.Pricing{Billable: true, PricingModel: "CBP", Category: "marketing", ProviderConversationID: "pc1"}
	_ = f.proc.Handle(ctx, ev)
	_ = f.proc.Handle(ctx, ev)

	if len(f.sink.billing) != 1 {
		t.Fatalf("expected exactly one billing record, got %d", len(f.sink.billing))
	}
	rec := f.sink.billing[0]
	if rec.MessageID != "w2" || rec.Category != "marketing" || rec.PricingModel != "CBP" || rec.ChannelConfigToken != "ch1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestBillingReleasesDedupeOnSinkFailure(t *testing.T) {
	ctx := context.Background()
	fast := cache.NewMemory(time.Minute)
	sink := &sinkRecorder{fail: errors.New("down")}
	b := &Billing{Dedupe: fast, Sink: sink}

	ev := status("w3", "sent", "")
	ev.Status.Pricing = &domain.Pricing{Billable: true}
	if err := b.Handle(ctx, ev, correlation.Resolution{}); err == nil {
		t.Fatalf("expected sink error")
	}
	sink.fail = nil
	if err := b.Handle(ctx, ev, correlation.Resolution{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sink.billing) != 1 {
		t.Fatalf("expected record on retry, got %d", len(sink.billing))
	}
}

func TestReadShortensFastTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.proc.Resolver.Store = correlation.NewStore(f.fast, f.db, correlation.Options{ReadTTL: 20 * time.Millisecond})
	_ = f.proc.Resolver.Store.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "w1", Hash: "H1"})

	_ = f.proc.Handle(ctx, status("w1", "read", ""))
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := f.fast.Get(ctx, "corr:w1"); ok {
		t.Fatalf("expected fast entry to expire after read")
	}
}
