package ack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wapipe/internal/cache"
	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/observability"
)

type BillingSink interface {
	CreateBillingRecord(ctx context.Context, rec domain.BillingRecord) error
}

// Extract derives a billing record from a sent status carrying pricing.
func Extract(ev domain.IncomingEvent, res correlation.Resolution) (domain.BillingRecord, bool) {
	s := ev.Status
	if s == nil || s.Pricing == nil || s.Status != "sent" {
		return domain.BillingRecord{}, false
	}
	p := s.Pricing
	return domain.BillingRecord{
		ConversationID:         res.Entry.ConversationID,
		WorkspaceID:            res.Entry.WorkspaceID,
		ChannelConfigToken:     ev.ChannelToken,
		MessageID:              s.ProviderMessageID,
		RecipientID:            s.RecipientID,
		ProviderConversationID: p.ProviderConversationID,
		ExpirationTimestamp:    p.ExpirationTimestamp,
		OriginType:             p.OriginType,
		Billable:               p.Billable,
		PricingModel:           p.PricingModel,
		Category:               p.Category,
		PricingType:            p.PricingType,
		Timestamp:              s.Timestamp,
	}, true
}

// Billing creates at most one record per provider message id. Redelivered
// sent statuses are deduplicated through the fast tier.
type Billing struct {
	Dedupe cache.Store
	TTL    time.Duration
	Sink   BillingSink
	Obs    observability.Port
}

func billingKey(providerMessageID string) string { return "billing:" + providerMessageID }

func (b *Billing) Handle(ctx context.Context, ev domain.IncomingEvent, res correlation.Resolution) error {
	rec, ok := Extract(ev, res)
	if !ok {
		return nil
	}
	obs := observability.OrNop(b.Obs)

	ttl := b.TTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	key := billingKey(rec.MessageID)
	first, err := b.Dedupe.SetNX(ctx, key, rec.ChannelConfigToken, ttl)
	if err != nil {
		return fmt.Errorf("billing dedupe: %w", err)
	}
	if !first {
		obs.Count("billing", "duplicate")
		return nil
	}

	if err := b.Sink.CreateBillingRecord(ctx, rec); err != nil {
		if derr := b.Dedupe.Delete(ctx, key); derr != nil {
			slog.Warn("billing dedupe release failed", "provider_message_id", rec.MessageID, "err", derr)
		}
		obs.Count("billing", "error")
		return fmt.Errorf("create billing record: %w", err)
	}
	obs.Count("billing", "created")
	return nil
}
