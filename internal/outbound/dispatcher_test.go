package outbound

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wapipe/internal/ack"
	"wapipe/internal/cache"
	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/providers/gupshup"
	"wapipe/internal/providers/meta"
	"wapipe/internal/store/memory"
)

type ackSink struct{ acks []domain.AckRecord }

func (s *ackSink) UpdateActivityAck(_ context.Context, rec domain.AckRecord) error {
	s.acks = append(s.acks, rec)
	return nil
}

type channels map[string]domain.ChannelConfig

func (c channels) Get(_ context.Context, token string) (domain.ChannelConfig, error) {
	cfg, ok := c[token]
	if !ok {
		return domain.ChannelConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

type heartbeats struct{ n int }

func (h *heartbeats) Heartbeat(context.Context, string, domain.HeartbeatKind) error {
	h.n++
	return nil
}

func newDispatcher(db *memory.Store, fast *cache.Memory) *Dispatcher {
	return &Dispatcher{
		Providers:   providers.NewRegistry(meta.New(), gupshup.New()),
		Correlation: correlation.NewStore(fast, db, correlation.Options{}),
		Client:      &http.Client{},
		Timeout:     time.Second,
		Limiter:     rate.NewLimiter(rate.Inf, 1),
	}
}

func graph(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v23.0/PNID/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestSendThenDeliveredAck(t *testing.T) {
	ctx := context.Background()
	srv := graph(t, http.StatusOK, `{"messaging_product":"whatsapp","contacts":[{"input":"5548999998888","wa_id":"5548999998888"}],"messages":[{"id":"wamid.123"}]}`)
	defer srv.Close()

	db := memory.New()
	fast := cache.NewMemory(time.Minute)
	d := newDispatcher(db, fast)
	hb := &heartbeats{}
	d.Conversations = hb
	cfg := domain.ChannelConfig{Token: "ch1", WorkspaceID: "ws1", Provider: domain.ProviderMeta, PhoneNumberID: "PNID", BaseURL: srv.URL}
	act := domain.Activity{ID: "act_1", Hash: "HASH-1", ConversationID: "c1", MemberID: "5548999998888", Text: "olá"}

	res, err := d.Send(ctx, act, cfg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderMessageID != "wamid.123" || res.Contact != "5548999998888" {
		t.Fatalf("unexpected result %+v", res)
	}
	entry, err := db.FindCorrelation(ctx, "wamid.123")
	if err != nil || entry.Hash != "HASH-1" || entry.WorkspaceID != "ws1" {
		t.Fatalf("expected durable correlation, got %+v %v", entry, err)
	}
	if hb.n != 1 {
		t.Fatalf("expected response heartbeat")
	}

	sink := &ackSink{}
	proc := &ack.Processor{
		Resolver:  &correlation.Resolver{Store: d.Correlation},
		Providers: d.Providers,
		Ledger:    db,
		Sink:      sink,
	}
	ev := domain.IncomingEvent{
		Kind:         domain.KindStatus,
		Provider:     domain.ProviderMeta,
		ChannelToken: "ch1",
		Status:       &domain.StatusUpdate{ProviderMessageID: "wamid.123", Status: "delivered", Timestamp: time.Now()},
	}
	_ = proc.Handle(ctx, ev)
	_ = proc.Handle(ctx, ev)

	if len(sink.acks) != 1 {
		t.Fatalf("expected exactly one delivery ack, got %d", len(sink.acks))
	}
	if got := sink.acks[0]; got.Hash != "HASH-1" || got.AckType != domain.AckDelivery || got.ConversationID != "c1" {
		t.Fatalf("unexpected ack %+v", got)
	}
}

func TestFailedSendLeavesNoCorrelation(t *testing.T) {
	ctx := context.Background()
	srv := graph(t, http.StatusBadRequest, `{"error":{"message":"(#131030) Recipient phone number not in allowed list","code":131030}}`)
	defer srv.Close()

	db := memory.New()
	d := newDispatcher(db, cache.NewMemory(time.Minute))
	obs := observability.NewRecorder()
	d.Obs = obs
	cfg := domain.ChannelConfig{Token: "ch1", Provider: domain.ProviderMeta, PhoneNumberID: "PNID", BaseURL: srv.URL}

	_, err := d.Send(ctx, domain.Activity{ID: "act_2", Hash: "H2", MemberID: "1", Text: "x"}, cfg)
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if se.ActivityID != "act_2" || se.Provider != domain.ProviderMeta || se.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("unexpected error context %+v", se)
	}
	if obs.Counted("send", "error_4xx") != 1 {
		t.Fatalf("expected failure to be counted")
	}
	if _, err := db.FindCorrelation(ctx, "H2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("failed send must not write correlation")
	}
}

func TestBreakerOpensPerProvider(t *testing.T) {
	ctx := context.Background()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newDispatcher(memory.New(), cache.NewMemory(time.Minute))
	d.BreakerSettings = gobreaker.Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	}
	cfg := domain.ChannelConfig{Token: "ch1", Provider: domain.ProviderMeta, PhoneNumberID: "PNID", BaseURL: srv.URL}
	act := domain.Activity{ID: "a", Hash: "h", MemberID: "1", Text: "x"}

	_, _ = d.Send(ctx, act, cfg)
	_, err := d.Send(ctx, act, cfg)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected provider to be called once, got %d", calls)
	}
}

func TestTenantRejectionsDoNotOpenBreaker(t *testing.T) {
	ctx := context.Background()
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"(#100) Invalid parameter","code":100}}`))
	}))
	defer rejecting.Close()
	healthy := graph(t, http.StatusOK, `{"messages":[{"id":"wamid.B"}]}`)
	defer healthy.Close()

	d := newDispatcher(memory.New(), cache.NewMemory(time.Minute))
	d.BreakerSettings = gobreaker.Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
	tenantA := domain.ChannelConfig{Token: "chA", Provider: domain.ProviderMeta, PhoneNumberID: "PNID", BaseURL: rejecting.URL}
	tenantB := domain.ChannelConfig{Token: "chB", Provider: domain.ProviderMeta, PhoneNumberID: "PNID", BaseURL: healthy.URL}

	for i := 0; i < 10; i++ {
		_, err := d.Send(ctx, domain.Activity{ID: "a", Hash: "hA", MemberID: "1", Text: "x"}, tenantA)
		var se *SendError
		if !errors.As(err, &se) || se.HTTPStatus != http.StatusBadRequest {
			t.Fatalf("send %d: expected 400 SendError, got %v", i, err)
		}
	}
	res, err := d.Send(ctx, domain.Activity{ID: "b", Hash: "hB", MemberID: "2", Text: "y"}, tenantB)
	if err != nil {
		t.Fatalf("expected other tenant to send, got %v", err)
	}
	if res.ProviderMessageID != "wamid.B" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestThrottlingCountsAgainstBreaker(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := newDispatcher(memory.New(), cache.NewMemory(time.Minute))
	d.BreakerSettings = gobreaker.Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}
	cfg := domain.ChannelConfig{Token: "ch1", Provider: domain.ProviderMeta, PhoneNumberID: "PNID", BaseURL: srv.URL}
	act := domain.Activity{ID: "a", Hash: "h", MemberID: "1", Text: "x"}

	_, _ = d.Send(ctx, act, cfg)
	_, _ = d.Send(ctx, act, cfg)
	if _, err := d.Send(ctx, act, cfg); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker after throttling, got %v", err)
	}
}

func TestHandleJobUnknownChannel(t *testing.T) {
	d := newDispatcher(memory.New(), cache.NewMemory(time.Minute))
	d.Channels = channels{}
	err := d.HandleJob(context.Background(), domain.OutboundJob{ChannelToken: "nope"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestComposeErrorIsSendError(t *testing.T) {
	d := newDispatcher(memory.New(), cache.NewMemory(time.Minute))
	cfg := domain.ChannelConfig{Token: "ch1", Provider: domain.ProviderGupshup, SourceNumber: "1"}
	_, err := d.Send(context.Background(), domain.Activity{ID: "a", MemberID: "2"}, cfg)
	var se *SendError
	if !errors.As(err, &se) || !errors.Is(err, gupshup.ErrEmptyMessage) {
		t.Fatalf("expected wrapped compose error, got %v", err)
	}
}
