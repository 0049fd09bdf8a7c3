package domain

import (
	"encoding/json"
	"time"
)

// Provider names a Business Solution Provider integration.
type Provider string

const (
	ProviderMeta    Provider = "meta"
	ProviderGupshup Provider = "gupshup"
)

type EventKind string

const (
	KindMessage  EventKind = "message"
	KindStatus   EventKind = "status"
	KindError    EventKind = "error"
	KindTemplate EventKind = "template"
)

// Topic is the broker topic for a (provider, kind) pair, e.g. "meta.status".
func Topic(p Provider, k EventKind) string {
	return string(p) + "." + string(k)
}

// OutboundTopic carries OutboundJob envelopes for the dispatcher.
const OutboundTopic = "outbound"

// IncomingEvent is the canonical shape every webhook normalizer emits.
// Exactly one of Message, Status, Error, Template is set, matching Kind.
type IncomingEvent struct {
	Kind         EventKind       `json:"kind"`
	Provider     Provider        `json:"provider"`
	ChannelToken string          `json:"channelToken"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt"`

	Message  *InboundMessage `json:"message,omitempty"`
	Status   *StatusUpdate   `json:"status,omitempty"`
	Error    *ProviderError  `json:"error,omitempty"`
	Template *TemplateEvent  `json:"template,omitempty"`
}

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeAudio       MessageType = "audio"
	TypeVideo       MessageType = "video"
	TypeDocument    MessageType = "document"
	TypeSticker     MessageType = "sticker"
	TypeLocation    MessageType = "location"
	TypeContacts    MessageType = "contacts"
	TypeReaction    MessageType = "reaction"
	TypeButton      MessageType = "button"
	TypeInteractive MessageType = "interactive"
	TypeUnknown     MessageType = "unknown"
)

// InboundMessage is the normalized part of a Message event.
type InboundMessage struct {
	MemberID          string      `json:"memberId"`
	MemberName        string      `json:"memberName,omitempty"`
	ProviderMessageID string      `json:"providerMessageId"`
	ContextID         string      `json:"contextId,omitempty"`
	Text              string      `json:"text,omitempty"`
	ReplyPayload      string      `json:"replyPayload,omitempty"`
	Media             *MediaRef   `json:"media,omitempty"`
	Type              MessageType `json:"type"`
	Timestamp         time.Time   `json:"timestamp"`
}

// MediaRef locates a media object on the provider's media host. Either URL
// (direct download) or ID (metadata indirection) is set.
type MediaRef struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Direct reports whether the reference can be downloaded without a metadata hop.
func (m MediaRef) Direct() bool { return m.URL != "" }

// StatusUpdate is a delivery acknowledgment reported by a provider.
type StatusUpdate struct {
	ProviderMessageID string    `json:"providerMessageId"`
	Status            string    `json:"status"`
	RecipientID       string    `json:"recipientId,omitempty"`
	ErrorCode         string    `json:"errorCode,omitempty"`
	ErrorTitle        string    `json:"errorTitle,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Pricing           *Pricing  `json:"pricing,omitempty"`
}

// Pricing is the conversation/pricing metadata some providers attach to acks.
type Pricing struct {
	ProviderConversationID string `json:"providerConversationId,omitempty"`
	ExpirationTimestamp    string `json:"expirationTimestamp,omitempty"`
	OriginType             string `json:"originType,omitempty"`
	Billable               bool   `json:"billable"`
	PricingModel           string `json:"pricingModel,omitempty"`
	Category               string `json:"category,omitempty"`
	PricingType            string `json:"pricingType,omitempty"`
}

// ProviderError is a webhook-level error not tied to a specific send.
type ProviderError struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
}

// TemplateEvent is a template lifecycle notification (approved, rejected, ...).
type TemplateEvent struct {
	TemplateID   string `json:"templateId,omitempty"`
	TemplateName string `json:"templateName,omitempty"`
	Language     string `json:"language,omitempty"`
	Event        string `json:"event"`
	Reason       string `json:"reason,omitempty"`
}
