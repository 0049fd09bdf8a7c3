package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wapipe/internal/domain"
	"wapipe/internal/observability"
	"wapipe/internal/phone"
	"wapipe/internal/providers"
	sqsqueue "wapipe/internal/queue/sqs"
)

type Publisher interface {
	Send(ctx context.Context, m sqsqueue.Message) error
}

type ChannelConfigs interface {
	Get(ctx context.Context, token string) (domain.ChannelConfig, error)
}

// Webhook accepts provider callbacks and fans canonical events out to the
// broker topic of their (provider, kind).
type Webhook struct {
	Providers providers.Registry
	Channels  ChannelConfigs
	Queue     Publisher
	Obs       observability.Port
	// MaxBodyBytes caps the request body; zero means 1 MiB.
	MaxBodyBytes int64
	// MaxRawBytes drops Raw from events of larger payloads; zero keeps Raw always.
	MaxRawBytes int
}

// count records a request outcome. provider must come from the registry or be
// "unknown" so the label set stays bounded.
func (w *Webhook) count(provider domain.Provider, result string) {
	observability.OrNop(w.Obs).Count("webhook_"+string(provider), result)
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/{provider}/{channelToken}", w.handleChallenge).Methods(http.MethodGet)
	mux.HandleFunc("/v1/webhooks/{provider}/{channelToken}", w.handleEvents).Methods(http.MethodPost)
}

// lookup resolves the adapter and channel config for a request, writing the
// error response itself when it fails.
func (w *Webhook) lookup(rw http.ResponseWriter, r *http.Request) (providers.Adapter, domain.ChannelConfig, bool) {
	vars := mux.Vars(r)
	provider := domain.Provider(vars["provider"])
	token := vars["channelToken"]

	adapter, err := w.Providers.Get(provider)
	if err != nil {
		w.count("unknown", "unknown_provider")
		http.Error(rw, ErrUnknownProvider, http.StatusNotFound)
		return nil, domain.ChannelConfig{}, false
	}
	cfg, err := w.Channels.Get(r.Context(), token)
	if errors.Is(err, domain.ErrNotFound) {
		w.count(provider, "unknown_channel")
		http.Error(rw, ErrUnknownChannel, http.StatusNotFound)
		return nil, domain.ChannelConfig{}, false
	}
	if err != nil {
		slog.Error("webhook channel lookup failed", "err", err, "provider", provider, "channel_token", token)
		w.count(provider, "dependency_error")
		http.Error(rw, ErrDependency, http.StatusServiceUnavailable)
		return nil, domain.ChannelConfig{}, false
	}
	if cfg.Provider != "" && cfg.Provider != provider {
		w.count(provider, "provider_mismatch")
		http.Error(rw, ErrUnknownChannel, http.StatusNotFound)
		return nil, domain.ChannelConfig{}, false
	}
	return adapter, cfg, true
}

func (w *Webhook) handleChallenge(rw http.ResponseWriter, r *http.Request) {
	adapter, cfg, ok := w.lookup(rw, r)
	if !ok {
		return
	}
	ch, ok := adapter.(providers.Challenger)
	if !ok {
		http.Error(rw, ErrNotFound, http.StatusNotFound)
		return
	}
	challenge, err := ch.Challenge(r, cfg)
	if err != nil {
		slog.Warn("webhook challenge rejected", "err", err, "provider", adapter.Name(), "channel_token", cfg.Token)
		w.count(adapter.Name(), "challenge_rejected")
		http.Error(rw, ErrChallenge, http.StatusForbidden)
		return
	}
	w.count(adapter.Name(), "challenge")
	rw.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(rw, challenge)
}

func (w *Webhook) handleEvents(rw http.ResponseWriter, r *http.Request) {
	adapter, cfg, ok := w.lookup(rw, r)
	if !ok {
		return
	}
	provider := adapter.Name()
	token := mux.Vars(r)["channelToken"]

	limit := w.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, limit))
	if err != nil {
		w.count(provider, "bad_body")
		http.Error(rw, ErrBadBody, http.StatusBadRequest)
		return
	}
	if err := adapter.Verify(r, body, cfg); err != nil {
		slog.Warn("webhook signature rejected", "err", err, "provider", provider, "channel_token", token)
		w.count(provider, "invalid_signature")
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	events := adapter.Normalize(token, body)
	if len(events) == 0 {
		w.count(provider, "empty")
		rw.WriteHeader(http.StatusOK)
		return
	}

	obs := observability.OrNop(w.Obs)
	failed := 0
	for _, ev := range events {
		if w.MaxRawBytes > 0 && len(ev.Raw) > w.MaxRawBytes {
			ev.Raw = nil
		}
		err := w.Queue.Send(r.Context(), sqsqueue.Message{
			Topic:    domain.Topic(ev.Provider, ev.Kind),
			Data:     ev,
			GroupKey: groupKey(ev),
			DedupID:  dedupID(ev),
		})
		if err != nil {
			failed++
			obs.Report(r.Context(), "webhook_enqueue", err,
				"provider", provider, "channel_token", token, "kind", ev.Kind)
			continue
		}
		obs.Count("webhook_event", string(ev.Kind))
	}

	// Provider retries are reserved for transport failures; enqueue outcomes
	// are ours to deal with.
	result := "ok"
	if failed > 0 {
		result = "enqueue_error"
	}
	w.count(provider, result)
	rw.WriteHeader(http.StatusOK)
}

// groupKey keeps events of one conversation member in order on FIFO queues.
func groupKey(ev domain.IncomingEvent) string {
	switch {
	case ev.Message != nil:
		return ev.ChannelToken + ":" + phone.Canonical(ev.Message.MemberID)
	case ev.Status != nil && ev.Status.RecipientID != "":
		return ev.ChannelToken + ":" + phone.Canonical(ev.Status.RecipientID)
	case ev.Status != nil:
		return ev.ChannelToken + ":" + ev.Status.ProviderMessageID
	}
	return ev.ChannelToken
}

func dedupID(ev domain.IncomingEvent) string {
	switch {
	case ev.Message != nil:
		return string(ev.Provider) + ":" + ev.Message.ProviderMessageID
	case ev.Status != nil:
		return string(ev.Provider) + ":" + ev.Status.ProviderMessageID + ":" + ev.Status.Status + ":" + ev.Status.ErrorCode
	}
	return ""
}
