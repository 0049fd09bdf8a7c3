// Package inbound runs provider messages through the shared pipeline:
// idempotency claim, arrival sequencing, conversation resolution, media
// download and activity handoff.
package inbound

import (
	"context"
	"time"

	"wapipe/internal/domain"
	"wapipe/internal/store"
)

// Conversations is the conversation collaborator as seen by the inbound path.
type Conversations interface {
	FindOpen(ctx context.Context, channelToken, memberID string) (domain.Conversation, bool, error)
	FindAnyMember(ctx context.Context, channelToken string, memberIDs []string) (domain.Conversation, bool, error)
	// Create opens a conversation. A non-nil start activity must be
	// dispatched instead of appending the triggering activity.
	Create(ctx context.Context, channelToken, memberID, memberName string) (domain.Conversation, *domain.Activity, error)
	Heartbeat(ctx context.Context, conversationID string, kind domain.HeartbeatKind) error
}

type Activities interface {
	Append(ctx context.Context, act domain.Activity) error
	Start(ctx context.Context, start, trigger domain.Activity) error
}

type MediaUploader interface {
	Upload(ctx context.Context, body []byte, mimeType, filename string) (domain.UploadedMedia, error)
}

// ChannelConfigs returns domain.ErrNotFound for unknown tokens.
type ChannelConfigs interface {
	Get(ctx context.Context, token string) (domain.ChannelConfig, error)
}

// Claims is the durable side of the Idempotency Gate.
type Claims interface {
	ClaimInbound(ctx context.Context, in store.InboundClaim) (store.ClaimState, error)
	CompleteInbound(ctx context.Context, providerMessageID, conversationID string, now time.Time) error
	ReleaseInbound(ctx context.Context, providerMessageID string) error
}
