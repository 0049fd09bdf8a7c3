package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wapipe/internal/domain"
	"wapipe/internal/observability"
	"wapipe/internal/store"
	"wapipe/internal/util"
)

// Gate admits each provider message id once. A claim is held while the
// message is processed; claims older than StaleAfter are assumed abandoned by
// a crashed consumer and may be taken over.
type Gate struct {
	Claims     Claims
	StaleAfter time.Duration
	Obs        observability.Port
}

// ShouldProcess claims the message. It returns false for ids that already
// completed, and an error wrapping domain.ErrInFlight while another consumer
// holds a fresh claim so the delivery stays queued until that claim resolves.
func (g *Gate) ShouldProcess(ctx context.Context, ev domain.IncomingEvent) (bool, error) {
	stale := g.StaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	id := ev.Message.ProviderMessageID
	state, err := g.Claims.ClaimInbound(ctx, store.InboundClaim{
		ProviderMessageID: id,
		Provider:          string(ev.Provider),
		ChannelToken:      ev.ChannelToken,
		Now:               util.NowUTC(),
		StaleAfter:        stale,
	})
	if err != nil {
		return false, err
	}
	obs := observability.OrNop(g.Obs)
	switch state {
	case store.ClaimDone:
		obs.Count("inbound", "duplicate")
		return false, nil
	case store.ClaimInFlight:
		obs.Count("inbound", "in_flight")
		return false, fmt.Errorf("inbound %s: %w", id, domain.ErrInFlight)
	}
	return true, nil
}

// Complete marks the id done; later deliveries are duplicates for good.
func (g *Gate) Complete(ctx context.Context, providerMessageID, conversationID string) {
	if err := g.Claims.CompleteInbound(ctx, providerMessageID, conversationID, util.NowUTC()); err != nil {
		slog.Warn("inbound claim completion failed", "provider_message_id", providerMessageID, "err", err)
	}
}

// Release gives the id back so a redelivery can retry it.
func (g *Gate) Release(ctx context.Context, providerMessageID string) {
	if err := g.Claims.ReleaseInbound(ctx, providerMessageID); err != nil {
		slog.Warn("inbound claim release failed", "provider_message_id", providerMessageID, "err", err)
	}
}
