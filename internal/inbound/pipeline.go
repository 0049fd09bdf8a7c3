package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/media"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/sequencer"
	"wapipe/internal/util"
)

type Pipeline struct {
	Providers     providers.Registry
	Channels      ChannelConfigs
	Gate          *Gate
	Sequencer     *sequencer.Sequencer
	Resolver      *ConversationResolver
	Correlation   *correlation.Resolver
	Media         *media.Fetcher
	Uploader      MediaUploader
	Activities    Activities
	Conversations Conversations
	Obs           observability.Port
}

type activityMetadata struct {
	Provider          domain.Provider `json:"provider"`
	ProviderMessageID string          `json:"providerMessageId"`
	ContextID         string          `json:"contextId,omitempty"`
}

// Handle processes one Message event. Returning an error asks the broker to
// redeliver; dropped messages return nil.
func (p *Pipeline) Handle(ctx context.Context, ev domain.IncomingEvent) error {
	m := ev.Message
	if m == nil || m.ProviderMessageID == "" || m.MemberID == "" {
		return nil
	}
	obs := observability.OrNop(p.Obs)
	start := time.Now()
	log := slog.With("provider", ev.Provider, "channel_token", ev.ChannelToken, "provider_message_id", m.ProviderMessageID)

	cfg, err := p.Channels.Get(ctx, ev.ChannelToken)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("message for unknown channel dropped")
		obs.Count("inbound", "unknown_channel")
		return nil
	}
	if err != nil {
		return fmt.Errorf("channel config: %w", err)
	}
	adapter, err := p.Providers.Get(ev.Provider)
	if err != nil {
		log.Warn("message for unknown provider dropped", "err", err)
		obs.Count("inbound", "unknown_provider")
		return nil
	}

	ok, err := p.Gate.ShouldProcess(ctx, ev)
	if err != nil {
		return fmt.Errorf("inbound claim: %w", err)
	}
	if !ok {
		log.Info("duplicate message dropped")
		return nil
	}

	conversationID, err := p.process(ctx, log, ev, cfg, adapter)
	switch {
	case errors.Is(err, errDropped):
		p.Gate.Complete(ctx, m.ProviderMessageID, conversationID)
		return nil
	case err != nil:
		p.Gate.Release(ctx, m.ProviderMessageID)
		obs.Count("inbound", "error")
		return err
	}

	p.Gate.Complete(ctx, m.ProviderMessageID, conversationID)
	obs.Count("inbound", "processed")
	obs.Observe("inbound", time.Since(start).Seconds())
	return nil
}

// errDropped ends processing for good without asking for redelivery.
var errDropped = errors.New("message dropped")

func (p *Pipeline) process(ctx context.Context, log *slog.Logger, ev domain.IncomingEvent, cfg domain.ChannelConfig, adapter providers.Adapter) (string, error) {
	m := ev.Message
	obs := observability.OrNop(p.Obs)

	if p.Sequencer != nil {
		if err := p.Sequencer.Wait(ctx, m.MemberID, ev.ChannelToken); err != nil {
			return "", err
		}
	}

	res, err := p.Resolver.Resolve(ctx, cfg, m.MemberID, m.MemberName)
	if errors.Is(err, domain.ErrBlockedInbound) {
		log.Info("inbound attendance blocked for channel")
		obs.Count("inbound", "blocked")
		return "", errDropped
	}
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	conv := res.Conversation
	if res.Created {
		log.Info("conversation created", "conversation_id", conv.ID)
	}

	meta, _ := json.Marshal(activityMetadata{Provider: ev.Provider, ProviderMessageID: m.ProviderMessageID, ContextID: m.ContextID})
	act := domain.Activity{
		ID:             util.NewActivityID(),
		Hash:           util.NewHash(),
		ConversationID: conv.ID,
		ChannelToken:   ev.ChannelToken,
		MemberID:       m.MemberID,
		MemberName:     m.MemberName,
		Type:           m.Type,
		Text:           m.Text,
		ReplyPayload:   m.ReplyPayload,
		Metadata:       meta,
		Timestamp:      m.Timestamp,
	}

	if p.Correlation != nil {
		if quoted, ok := p.Correlation.ResolveQuoted(ctx, m.ContextID); ok {
			act.QuotedHash = quoted.Hash
		}
	}

	if m.Media != nil {
		file, err := p.Media.Fetch(ctx, adapter, *m.Media, cfg)
		if err != nil {
			obs.Report(ctx, "media_dropped", err, "provider_message_id", m.ProviderMessageID, "channel_token", ev.ChannelToken)
			return conv.ID, errDropped
		}
		up, err := p.Uploader.Upload(ctx, file.Body, file.MimeType, file.Filename)
		if err != nil {
			return "", fmt.Errorf("upload media: %w", err)
		}
		act.Media = &up
	}

	if res.Start != nil {
		err = p.Activities.Start(ctx, *res.Start, act)
	} else {
		err = p.Activities.Append(ctx, act)
	}
	if err != nil {
		return "", fmt.Errorf("activity handoff: %w", err)
	}

	if p.Correlation != nil {
		entry := domain.CorrelationEntry{
			ProviderMessageID: m.ProviderMessageID,
			Hash:              act.Hash,
			ConversationID:    conv.ID,
			WorkspaceID:       cfg.WorkspaceID,
			ChannelToken:      ev.ChannelToken,
		}
		if err := p.Correlation.Store.Save(ctx, entry); err != nil {
			log.Warn("inbound correlation write failed", "hash", act.Hash, "err", err)
		}
	}

	if p.Conversations != nil {
		if err := p.Conversations.Heartbeat(ctx, conv.ID, domain.HeartbeatReceived); err != nil {
			log.Warn("received heartbeat failed", "conversation_id", conv.ID, "err", err)
		}
	}
	return conv.ID, nil
}
