package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/store"
)

// Ledger records the furthest ack state reached per hash.
type Ledger interface {
	AdvanceAck(ctx context.Context, in store.AckAdvance) (bool, error)
}

type Audit interface {
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

// Sink receives accepted acks (updateActivityAck).
type Sink interface {
	UpdateActivityAck(ctx context.Context, rec domain.AckRecord) error
}

// Conversations is the subset of the conversation collaborator acks touch.
type Conversations interface {
	MarkFirstDelivered(ctx context.Context, conversationID string) error
	Invalidate(ctx context.Context, conversationID, reason string) error
	Heartbeat(ctx context.Context, conversationID string, kind domain.HeartbeatKind) error
}

type Processor struct {
	Resolver      *correlation.Resolver
	Providers     providers.Registry
	Ledger        Ledger
	Audit         Audit
	Sink          Sink
	Conversations Conversations
	Billing       *Billing
	Obs           observability.Port
}

// Handle applies one status event. Duplicate and regressive statuses are
// dropped after auditing; only accepted transitions reach the sink.
func (p *Processor) Handle(ctx context.Context, ev domain.IncomingEvent) error {
	s := ev.Status
	if s == nil || s.ProviderMessageID == "" {
		return nil
	}
	obs := observability.OrNop(p.Obs)
	start := time.Now()
	defer func() { obs.Observe("ack", time.Since(start).Seconds()) }()

	log := slog.With("provider", ev.Provider, "channel_token", ev.ChannelToken, "provider_message_id", s.ProviderMessageID, "status", s.Status)

	var overrides map[string]domain.AckType
	if a, err := p.Providers.Get(ev.Provider); err == nil {
		overrides = a.ErrorCodes()
	}

	ackType, err := Classify(s.Status, s.ErrorCode, overrides)
	switch {
	case errors.Is(err, ErrUnknownStatus):
		log.Info("status ignored")
		obs.Count("ack", "ignored")
		return nil
	case errors.Is(err, ErrUnmappedCode):
		obs.Report(ctx, "ack_unmapped", fmt.Errorf("%s code %q: %w", ev.Provider, s.ErrorCode, err),
			"provider_message_id", s.ProviderMessageID, "error_title", s.ErrorTitle)
	}

	res := p.Resolver.Resolve(ctx, s.ProviderMessageID)
	hash := res.Entry.Hash

	if p.Billing != nil && ackType == domain.AckServer {
		if err := p.Billing.Handle(ctx, ev, res); err != nil {
			return err
		}
	}

	applied, err := p.Ledger.AdvanceAck(ctx, store.AckAdvance{Hash: hash, AckType: int(ackType), Now: s.Timestamp})
	if err != nil {
		return fmt.Errorf("advance ack: %w", err)
	}

	if p.Audit != nil {
		if err := p.Audit.InsertDeliveryEvent(ctx, store.DeliveryEvent{
			Provider:          string(ev.Provider),
			ProviderMessageID: s.ProviderMessageID,
			Hash:              hash,
			Status:            s.Status,
			AckType:           int(ackType),
			ErrorCode:         s.ErrorCode,
			Applied:           applied,
			OccurredAt:        s.Timestamp,
		}); err != nil {
			log.Warn("delivery event insert failed", "err", err)
		}
	}

	if !applied {
		obs.Count("ack", "stale")
		log.Debug("ack not applied", "hash", hash, "ack_type", ackType.String())
		return nil
	}

	rec := domain.AckRecord{
		Hash:           hash,
		AckType:        ackType,
		Timestamp:      s.Timestamp,
		ConversationID: res.Entry.ConversationID,
		WorkspaceID:    res.Entry.WorkspaceID,
		ChannelToken:   ev.ChannelToken,
		Correlated:     res.Correlated(),
	}
	if err := p.Sink.UpdateActivityAck(ctx, rec); err != nil {
		// The ledger already moved; a redelivery would be dropped as stale.
		obs.Report(ctx, "ack_emit", err, "hash", hash, "ack_type", ackType.String())
		return nil
	}
	obs.Count("ack", "applied")

	if res.Correlated() {
		p.sideEffects(ctx, log, rec, s.ProviderMessageID)
	}
	return nil
}

func (p *Processor) sideEffects(ctx context.Context, log *slog.Logger, rec domain.AckRecord, providerMessageID string) {
	if rec.AckType == domain.AckRead {
		if err := p.Resolver.Store.ShortenAfterRead(ctx, providerMessageID); err != nil {
			log.Warn("shorten correlation ttl failed", "err", err)
		}
	}

	conv := rec.ConversationID
	if conv == "" || p.Conversations == nil {
		return
	}

	var err error
	switch rec.AckType {
	case domain.AckDelivery:
		err = p.Conversations.MarkFirstDelivered(ctx, conv)
	case domain.AckRead:
		err = p.Conversations.Heartbeat(ctx, conv, domain.HeartbeatRead)
	case domain.AckNumberInvalid:
		err = p.Conversations.Invalidate(ctx, conv, rec.AckType.String())
	}
	if err != nil {
		log.Warn("conversation side effect failed", "conversation_id", conv, "ack_type", rec.AckType.String(), "err", err)
	}
}
