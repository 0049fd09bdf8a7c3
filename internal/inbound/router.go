package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"wapipe/internal/domain"
	"wapipe/internal/observability"
)

type Handler interface {
	Handle(ctx context.Context, ev domain.IncomingEvent) error
}

type TemplateSink interface {
	PublishTemplateEvent(ctx context.Context, ev domain.IncomingEvent) error
}

// Router sends each canonical event to the component owning its kind.
type Router struct {
	Messages  Handler
	Statuses  Handler
	Templates TemplateSink
	Obs       observability.Port
}

var errProviderError = errors.New("provider reported error")

func (r *Router) Handle(ctx context.Context, ev domain.IncomingEvent) error {
	obs := observability.OrNop(r.Obs)
	switch ev.Kind {
	case domain.KindMessage:
		return r.Messages.Handle(ctx, ev)
	case domain.KindStatus:
		return r.Statuses.Handle(ctx, ev)
	case domain.KindError:
		if ev.Error == nil {
			return nil
		}
		obs.Report(ctx, "provider_error", fmt.Errorf("%w: %s %s", errProviderError, ev.Error.Code, ev.Error.Title),
			"provider", ev.Provider, "channel_token", ev.ChannelToken, "details", ev.Error.Details)
		return nil
	case domain.KindTemplate:
		if ev.Template == nil {
			return nil
		}
		slog.Info("template event", "provider", ev.Provider, "channel_token", ev.ChannelToken,
			"template", ev.Template.TemplateName, "event", ev.Template.Event, "reason", ev.Template.Reason)
		obs.Count("template", templateOutcome(ev.Template.Event))
		if r.Templates == nil {
			return nil
		}
		return r.Templates.PublishTemplateEvent(ctx, ev)
	default:
		slog.Warn("event kind ignored", "kind", ev.Kind, "provider", ev.Provider)
		return nil
	}
}

var templateOutcomes = map[string]bool{
	"APPROVED": true, "REJECTED": true, "PENDING": true, "PAUSED": true,
	"DISABLED": true, "FLAGGED": true, "REINSTATED": true, "DELETED": true,
}

// templateOutcome folds provider-specific template statuses into a fixed set.
func templateOutcome(event string) string {
	e := strings.ToUpper(event)
	if templateOutcomes[e] {
		return strings.ToLower(e)
	}
	return "other"
}
