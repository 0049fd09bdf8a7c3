package inbound

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wapipe/internal/cache"
	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/media"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/providers/gupshup"
	"wapipe/internal/providers/meta"
	"wapipe/internal/sequencer"
	"wapipe/internal/store/memory"
)

type fakeConversations struct {
	mu         sync.Mutex
	byMember   map[string]domain.Conversation
	created    int
	start      *domain.Activity
	heartbeats int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{byMember: make(map[string]domain.Conversation)}
}

func (f *fakeConversations) FindOpen(_ context.Context, _, memberID string) (domain.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byMember[memberID]
	return c, ok, nil
}

func (f *fakeConversations) FindAnyMember(_ context.Context, _ string, ids []string) (domain.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if c, ok := f.byMember[id]; ok {
			return c, true, nil
		}
	}
	return domain.Conversation{}, false, nil
}

func (f *fakeConversations) Create(_ context.Context, _, memberID, _ string) (domain.Conversation, *domain.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	c := domain.Conversation{ID: "conv-" + memberID, WorkspaceID: "ws1", MemberID: memberID}
	f.byMember[memberID] = c
	return c, f.start, nil
}

func (f *fakeConversations) Heartbeat(context.Context, string, domain.HeartbeatKind) error {
	f.mu.Lock()
	f.heartbeats++
	f.mu.Unlock()
	return nil
}

type fakeActivities struct {
	mu       sync.Mutex
	appended []domain.Activity
	started  []domain.Activity
	fail     error
}

func (f *fakeActivities) Append(_ context.Context, act domain.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.appended = append(f.appended, act)
	return nil
}

func (f *fakeActivities) Start(_ context.Context, start, trigger domain.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, trigger)
	return nil
}

type fakeUploader struct{ uploads int }

func (f *fakeUploader) Upload(_ context.Context, body []byte, mimeType, filename string) (domain.UploadedMedia, error) {
	f.uploads++
	return domain.UploadedMedia{ID: "u1", URL: "https://blob/u1", MimeType: mimeType, Filename: filename}, nil
}

type staticChannels map[string]domain.ChannelConfig

func (s staticChannels) Get(_ context.Context, token string) (domain.ChannelConfig, error) {
	c, ok := s[token]
	if !ok {
		return domain.ChannelConfig{}, domain.ErrNotFound
	}
	return c, nil
}

type fixture struct {
	p     *Pipeline
	conv  *fakeConversations
	acts  *fakeActivities
	up    *fakeUploader
	db    *memory.Store
	obs   *observability.Recorder
	chans staticChannels
	corr  *correlation.Store
}

func newFixture() *fixture {
	fast := cache.NewMemory(time.Minute)
	db := memory.New()
	corr := correlation.NewStore(fast, db, correlation.Options{})
	conv := newFakeConversations()
	acts := &fakeActivities{}
	up := &fakeUploader{}
	obs := observability.NewRecorder()
	chans := staticChannels{"ch1": {Token: "ch1", WorkspaceID: "ws1", Provider: domain.ProviderMeta}}
	return &fixture{
		p: &Pipeline{
			Providers:     providers.NewRegistry(meta.New(), gupshup.New()),
			Channels:      chans,
			Gate:          &Gate{Claims: db, StaleAfter: time.Minute, Obs: obs},
			Sequencer:     sequencer.New(fast, time.Second, time.Millisecond, 5*time.Millisecond),
			Resolver:      &ConversationResolver{Conversations: conv},
			Correlation:   &correlation.Resolver{Store: corr},
			Media:         media.NewFetcher(time.Second, 0),
			Uploader:      up,
			Activities:    acts,
			Conversations: conv,
			Obs:           obs,
		},
		conv: conv, acts: acts, up: up, db: db, obs: obs, chans: chans, corr: corr,
	}
}

func textEvent(id, member, text string) domain.IncomingEvent {
	return domain.IncomingEvent{
		Kind:         domain.KindMessage,
		Provider:     domain.ProviderMeta,
		ChannelToken: "ch1",
		Message: &domain.InboundMessage{
			MemberID:          member,
			ProviderMessageID: id,
			Text:              text,
			Type:              domain.TypeText,
			Timestamp:         time.Unix(1700000000, 0).UTC(),
		},
	}
}

func TestNewMemberEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := textEvent("wamid.IN1", "5548999998888", "quero agendar")

	if err := f.p.Handle(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.conv.created != 1 {
		t.Fatalf("expected one conversation, got %d", f.conv.created)
	}
	if len(f.acts.appended) != 1 || f.acts.appended[0].Text != "quero agendar" {
		t.Fatalf("unexpected activities %+v", f.acts.appended)
	}
	if f.acts.appended[0].ConversationID != "conv-5548999998888" {
		t.Fatalf("unexpected conversation %q", f.acts.appended[0].ConversationID)
	}
	if !f.db.InboundDone("wamid.IN1") {
		t.Fatalf("expected claim to be completed")
	}

	if err := f.p.Handle(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.acts.appended) != 1 {
		t.Fatalf("redelivery must be rejected, got %d activities", len(f.acts.appended))
	}
	if f.obs.Counted("inbound", "duplicate") != 1 {
		t.Fatalf("expected duplicate to be counted")
	}
}

func TestConcurrentDeliveriesCreateOneActivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := textEvent("wamid.C1", "5511987654321", "oi")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Losers either see the finished claim or are told to retry later.
			if err := f.p.Handle(ctx, ev); err != nil && !errors.Is(err, domain.ErrInFlight) {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(f.acts.appended); n != 1 {
		t.Fatalf("expected exactly one activity, got %d", n)
	}
}

func TestRedeliveryWhileInFlightStaysQueued(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = w.Write([]byte("%PDF-1.4\n"))
	}))
	defer srv.Close()

	f := newFixture()
	ev := textEvent("w-slow", "5511987654321", "")
	ev.Provider = domain.ProviderGupshup
	ev.Message.Media = &domain.MediaRef{URL: srv.URL + "/doc", Filename: "a.pdf"}

	firstErr := make(chan error, 1)
	go func() { firstErr <- f.p.Handle(ctx, ev) }()
	<-entered

	err := f.p.Handle(ctx, ev)
	if !errors.Is(err, domain.ErrInFlight) {
		t.Fatalf("redelivery during processing must not be acked, got %v", err)
	}
	if f.obs.Counted("inbound", "in_flight") != 1 || f.obs.Counted("inbound", "duplicate") != 0 {
		t.Fatalf("expected in-flight outcome, not duplicate")
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.p.Handle(ctx, ev); err != nil {
		t.Fatalf("redelivery after completion: %v", err)
	}
	if len(f.acts.appended) != 1 {
		t.Fatalf("expected one activity, got %d", len(f.acts.appended))
	}
}

func TestVariantsResolveSameConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_ = f.p.Handle(ctx, textEvent("w1", "5511987654321", "com nove"))
	_ = f.p.Handle(ctx, textEvent("w2", "551187654321", "sem nove"))

	if f.conv.created != 1 {
		t.Fatalf("expected a single conversation, got %d", f.conv.created)
	}
	if len(f.acts.appended) != 2 || f.acts.appended[0].ConversationID != f.acts.appended[1].ConversationID {
		t.Fatalf("expected both activities in one conversation, got %+v", f.acts.appended)
	}
}

func TestNewConversationKeepsReportedSpelling(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	if err := f.p.Handle(ctx, textEvent("w1", "551187654321", "oi")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	conv, ok := f.conv.byMember["551187654321"]
	if f.conv.created != 1 || !ok || conv.MemberID != "551187654321" {
		t.Fatalf("expected conversation under the reported wa_id, got %+v", f.conv.byMember)
	}

	_ = f.p.Handle(ctx, textEvent("w2", "5511987654321", "de novo"))
	if f.conv.created != 1 {
		t.Fatalf("other spelling must reuse the conversation, created %d", f.conv.created)
	}
}

func TestLegacySpellingResolves(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.conv.byMember["551187654321"] = domain.Conversation{ID: "legacy"}

	_ = f.p.Handle(ctx, textEvent("w1", "5511987654321", "oi"))
	if f.conv.created != 0 || f.acts.appended[0].ConversationID != "legacy" {
		t.Fatalf("expected the legacy conversation, got %+v", f.acts.appended)
	}
}

func TestBlockedInboundDropsMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	cfg := f.chans["ch1"]
	cfg.BlockInboundAttendance = true
	f.chans["ch1"] = cfg

	if err := f.p.Handle(ctx, textEvent("w1", "5511987654321", "oi")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.conv.created != 0 || len(f.acts.appended) != 0 {
		t.Fatalf("expected nothing to be created")
	}
	if f.obs.Counted("inbound", "blocked") != 1 || !f.db.InboundDone("w1") {
		t.Fatalf("expected blocked drop to complete the claim")
	}
}

func TestStartActivityReplacesAppend(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.conv.start = &domain.Activity{ID: "start"}

	_ = f.p.Handle(ctx, textEvent("w1", "5511987654321", "oi"))
	if len(f.acts.started) != 1 || len(f.acts.appended) != 0 {
		t.Fatalf("expected start dispatch, got started=%d appended=%d", len(f.acts.started), len(f.acts.appended))
	}
}

func TestHandoffFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.acts.fail = errors.New("collaborator down")
	ev := textEvent("w1", "5511987654321", "oi")

	if err := f.p.Handle(ctx, ev); err == nil {
		t.Fatalf("expected transient error")
	}
	f.acts.fail = nil
	if err := f.p.Handle(ctx, ev); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(f.acts.appended) != 1 {
		t.Fatalf("expected retry to deliver, got %d", len(f.acts.appended))
	}
}

func TestMediaFailureDropsMessage(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture()
	cfg := f.chans["ch1"]
	cfg.BaseURL = srv.URL
	f.chans["ch1"] = cfg

	ev := textEvent("w1", "5511987654321", "")
	ev.Message.Type = domain.TypeImage
	ev.Message.Media = &domain.MediaRef{ID: "M1"}

	if err := f.p.Handle(ctx, ev); err != nil {
		t.Fatalf("media failure must not surface: %v", err)
	}
	if len(f.acts.appended) != 0 || f.up.uploads != 0 {
		t.Fatalf("expected message to be dropped")
	}
	if !f.db.InboundDone("w1") {
		t.Fatalf("dropped message must not be requeued")
	}
	if r := f.obs.Reports(); len(r) != 1 || r[0] != "media_dropped" {
		t.Fatalf("expected media drop report, got %v", r)
	}
}

func TestMediaUploadedAndQuotedResolved(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4\n"))
	}))
	defer srv.Close()

	f := newFixture()
	_ = f.corr.Save(ctx, domain.CorrelationEntry{ProviderMessageID: "wamid.OUT", Hash: "H-out"})

	ev := textEvent("w1", "5511987654321", "")
	ev.Provider = domain.ProviderGupshup
	ev.Message.ContextID = "wamid.OUT"
	ev.Message.Media = &domain.MediaRef{URL: srv.URL + "/doc", Filename: "a.pdf"}

	if err := f.p.Handle(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	act := f.acts.appended[0]
	if act.Media == nil || act.Media.MimeType != "application/pdf" || act.Media.Filename != "a.pdf" {
		t.Fatalf("unexpected media %+v", act.Media)
	}
	if act.QuotedHash != "H-out" {
		t.Fatalf("expected quoted hash, got %q", act.QuotedHash)
	}

	entry, err := f.db.FindCorrelation(ctx, "w1")
	if err != nil || entry.Hash != act.Hash {
		t.Fatalf("expected inbound correlation, got %+v %v", entry, err)
	}
}

func TestUnknownChannelDropped(t *testing.T) {
	f := newFixture()
	ev := textEvent("w1", "1", "x")
	ev.ChannelToken = "nope"
	if err := f.p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("expected drop, got %v", err)
	}
	if f.obs.Counted("inbound", "unknown_channel") != 1 {
		t.Fatalf("expected unknown channel count")
	}
}

type captureHandler struct{ got []domain.IncomingEvent }

func (c *captureHandler) Handle(_ context.Context, ev domain.IncomingEvent) error {
	c.got = append(c.got, ev)
	return nil
}

type captureTemplates struct{ n int }

func (c *captureTemplates) PublishTemplateEvent(context.Context, domain.IncomingEvent) error {
	c.n++
	return nil
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	msgs, stats, tpls := &captureHandler{}, &captureHandler{}, &captureTemplates{}
	obs := observability.NewRecorder()
	r := &Router{Messages: msgs, Statuses: stats, Templates: tpls, Obs: obs}

	_ = r.Handle(ctx, domain.IncomingEvent{Kind: domain.KindMessage, Message: &domain.InboundMessage{}})
	_ = r.Handle(ctx, domain.IncomingEvent{Kind: domain.KindStatus, Status: &domain.StatusUpdate{}})
	_ = r.Handle(ctx, domain.IncomingEvent{Kind: domain.KindTemplate, Template: &domain.TemplateEvent{Event: "APPROVED"}})
	_ = r.Handle(ctx, domain.IncomingEvent{Kind: domain.KindError, Error: &domain.ProviderError{Code: "131000"}})

	if len(msgs.got) != 1 || len(stats.got) != 1 || tpls.n != 1 {
		t.Fatalf("unexpected routing msgs=%d stats=%d tpls=%d", len(msgs.got), len(stats.got), tpls.n)
	}
	if rep := obs.Reports(); len(rep) != 1 || rep[0] != "provider_error" {
		t.Fatalf("expected provider error report, got %v", rep)
	}

	_ = r.Handle(ctx, domain.IncomingEvent{Kind: domain.KindTemplate, Template: &domain.TemplateEvent{Event: "SOMETHING_NEW_" + "42"}})
	if obs.Counted("template", "approved") != 1 || obs.Counted("template", "other") != 1 {
		t.Fatalf("expected template outcomes folded into a fixed set")
	}
}
