// Package outbound sends canonical activities through the channel's provider
// and records the correlation of the returned provider message id.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/util"
)

// SendError carries what an operator needs to replay a failed send.
type SendError struct {
	ActivityID string
	Provider   domain.Provider
	HTTPStatus int
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send activity %s via %s failed (status %d): %v", e.ActivityID, e.Provider, e.HTTPStatus, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Heartbeater interface {
	Heartbeat(ctx context.Context, conversationID string, kind domain.HeartbeatKind) error
}

type ChannelConfigs interface {
	Get(ctx context.Context, token string) (domain.ChannelConfig, error)
}

type Dispatcher struct {
	Providers     providers.Registry
	Correlation   *correlation.Store
	Channels      ChannelConfigs
	Client        *http.Client
	Timeout       time.Duration
	Limiter       *rate.Limiter
	Conversations Heartbeater
	Obs           observability.Port

	// BreakerSettings seeds one circuit breaker per provider.
	BreakerSettings gobreaker.Settings

	mu       sync.Mutex
	breakers map[domain.Provider]*gobreaker.CircuitBreaker
}

func (d *Dispatcher) breaker(p domain.Provider) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.breakers == nil {
		d.breakers = make(map[domain.Provider]*gobreaker.CircuitBreaker)
	}
	cb, ok := d.breakers[p]
	if !ok {
		st := d.BreakerSettings
		st.Name = string(p)
		if st.ReadyToTrip == nil {
			st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 }
		}
		if st.IsSuccessful == nil {
			st.IsSuccessful = providerHealthy
		}
		cb = gobreaker.NewCircuitBreaker(st)
		d.breakers[p] = cb
	}
	return cb
}

// providerHealthy keeps caller-side rejections (bad parameters, unknown
// recipient, one channel's revoked token) from tripping the breaker shared by
// every channel of the provider. Timeouts and throttling still count.
func providerHealthy(err error) bool {
	if err == nil {
		return true
	}
	var ce *providers.CallError
	if !errors.As(err, &ce) {
		return false
	}
	switch {
	case ce.HTTPStatus == http.StatusRequestTimeout, ce.HTTPStatus == http.StatusTooManyRequests:
		return false
	case ce.HTTPStatus >= 400 && ce.HTTPStatus < 500:
		return true
	}
	return false
}

// statusClass bounds the send failure label to a fixed set.
func statusClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "error_429"
	case status >= 500:
		return "error_5xx"
	case status >= 400:
		return "error_4xx"
	default:
		return "error_local"
	}
}

// HandleJob resolves the job's channel and sends its activity.
func (d *Dispatcher) HandleJob(ctx context.Context, job domain.OutboundJob) error {
	cfg, err := d.Channels.Get(ctx, job.ChannelToken)
	if err != nil {
		return fmt.Errorf("channel config %s: %w", job.ChannelToken, err)
	}
	if job.Activity.ChannelToken == "" {
		job.Activity.ChannelToken = job.ChannelToken
	}
	_, err = d.Send(ctx, job.Activity, cfg)
	return err
}

// Send delivers act once. Failures are returned as *SendError and leave no
// correlation behind; retrying is the caller's decision.
func (d *Dispatcher) Send(ctx context.Context, act domain.Activity, cfg domain.ChannelConfig) (domain.SendResult, error) {
	obs := observability.OrNop(d.Obs)
	fail := func(status int, err error) (domain.SendResult, error) {
		obs.Count("send", statusClass(status))
		slog.Error("send failed", "activity_id", act.ID, "hash", act.Hash, "provider", cfg.Provider, "http_status", status, "err", err)
		return domain.SendResult{}, &SendError{ActivityID: act.ID, Provider: cfg.Provider, HTTPStatus: status, Err: err}
	}

	if act.Hash == "" {
		act.Hash = util.NewHash()
	}

	adapter, err := d.Providers.Get(cfg.Provider)
	if err != nil {
		return fail(0, err)
	}
	req, err := adapter.ComposeOutbound(act, cfg)
	if err != nil {
		return fail(0, err)
	}

	if d.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			obs.Count("send", "rate_limited_local")
			return fail(0, err)
		}
	}

	start := time.Now()
	body, status, err := d.execute(ctx, cfg.Provider, req)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		obs.Count("send", "cb_open")
		return fail(0, err)
	}
	if err != nil {
		return fail(status, err)
	}
	obs.Observe("send", time.Since(start).Seconds())

	res, err := adapter.ParseSendResponse(body)
	if err != nil {
		return fail(status, err)
	}

	entry := domain.CorrelationEntry{
		ProviderMessageID: res.ProviderMessageID,
		Hash:              act.Hash,
		ConversationID:    act.ConversationID,
		WorkspaceID:       cfg.WorkspaceID,
		ChannelToken:      cfg.Token,
		CreatedAt:         util.NowUTC(),
	}
	if err := d.Correlation.Save(ctx, entry); err != nil {
		// The message is out; acks for it will degrade to the identity hash.
		obs.Report(ctx, "correlation_write", err, "activity_id", act.ID, "hash", act.Hash, "provider_message_id", res.ProviderMessageID)
	}

	obs.Count("send", "ok")
	slog.Info("activity sent", "activity_id", act.ID, "hash", act.Hash, "provider", cfg.Provider, "provider_message_id", res.ProviderMessageID)

	if d.Conversations != nil && act.ConversationID != "" {
		if err := d.Conversations.Heartbeat(ctx, act.ConversationID, domain.HeartbeatResponse); err != nil {
			slog.Warn("response heartbeat failed", "conversation_id", act.ConversationID, "err", err)
		}
	}
	return res, nil
}

type callResult struct {
	status int
	body   []byte
}

func (d *Dispatcher) execute(ctx context.Context, p domain.Provider, req providers.Request) ([]byte, int, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}

	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		status, body, err := providers.Do(reqCtx, client, req)
		return callResult{status: status, body: body}, err
	}

	out, err := d.breaker(p).Execute(call)
	var status int
	var ce *providers.CallError
	if errors.As(err, &ce) {
		status = ce.HTTPStatus
	}
	if err != nil {
		return nil, status, err
	}
	r := out.(callResult)
	return r.body, r.status, nil
}
