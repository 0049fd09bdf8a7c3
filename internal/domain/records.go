package domain

import (
	"encoding/json"
	"time"
)

// CorrelationEntry links a provider-issued message id to an internal hash.
type CorrelationEntry struct {
	ProviderMessageID string    `json:"providerMessageId"`
	Hash              string    `json:"hash"`
	ConversationID    string    `json:"conversationId,omitempty"`
	WorkspaceID       string    `json:"workspaceId,omitempty"`
	ChannelToken      string    `json:"channelToken"`
	CreatedAt         time.Time `json:"createdAt"`
}

// AckRecord is forwarded to the ack collaborator (updateActivityAck).
type AckRecord struct {
	Hash           string    `json:"hash"`
	AckType        AckType   `json:"ackType"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversationId,omitempty"`
	WorkspaceID    string    `json:"workspaceId,omitempty"`
	ChannelToken   string    `json:"channelToken"`
	Correlated     bool      `json:"correlated"`
}

// BillingRecord is derived from a Sent ack carrying pricing metadata.
type BillingRecord struct {
	ConversationID         string    `json:"conversationId,omitempty"`
	WorkspaceID            string    `json:"workspaceId,omitempty"`
	ChannelConfigToken     string    `json:"channelConfigToken"`
	MessageID              string    `json:"messageId"`
	RecipientID            string    `json:"recipientId"`
	ProviderConversationID string    `json:"providerConversationId"`
	ExpirationTimestamp    string    `json:"expirationTimestamp"`
	OriginType             string    `json:"originType"`
	Billable               bool      `json:"billable"`
	PricingModel           string    `json:"pricingModel"`
	Category               string    `json:"category"`
	PricingType            string    `json:"pricingType"`
	Timestamp              time.Time `json:"timestamp"`
}

// ChannelConfig is the tenant-scoped configuration of one WhatsApp number.
type ChannelConfig struct {
	Token                  string   `json:"token"`
	WorkspaceID            string   `json:"workspaceId"`
	Provider               Provider `json:"provider"`
	PhoneNumberID          string   `json:"phoneNumberId"`
	AccessToken            string   `json:"accessToken"`
	AppSecret              string   `json:"appSecret,omitempty"`
	VerifyToken            string   `json:"verifyToken,omitempty"`
	BaseURL                string   `json:"baseUrl,omitempty"`
	SourceNumber           string   `json:"sourceNumber,omitempty"`
	AppName                string   `json:"appName,omitempty"`
	BlockInboundAttendance bool     `json:"blockInboundAttendance"`
}

// Conversation is owned by the conversation collaborator; the pipeline only
// carries its id around.
type Conversation struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	MemberID    string `json:"memberId"`
}

// Activity is the canonical unit handed to (inbound) or received from
// (outbound) the conversation collaborator.
type Activity struct {
	ID             string          `json:"id"`
	Hash           string          `json:"hash"`
	ConversationID string          `json:"conversationId,omitempty"`
	ChannelToken   string          `json:"channelToken"`
	MemberID       string          `json:"memberId"`
	MemberName     string          `json:"memberName,omitempty"`
	Type           MessageType     `json:"type"`
	Text           string          `json:"text,omitempty"`
	ReplyPayload   string          `json:"replyPayload,omitempty"`
	QuotedHash     string          `json:"quotedHash,omitempty"`
	Media          *UploadedMedia  `json:"media,omitempty"`
	Template       *Template       `json:"template,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Template references an approved provider template for outbound sends.
type Template struct {
	Name       string   `json:"name"`
	Language   string   `json:"language"`
	Parameters []string `json:"parameters,omitempty"`
}

// UploadedMedia is the media collaborator's view of a stored blob.
type UploadedMedia struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename,omitempty"`
}

// OutboundJob is the broker envelope payload consumed by the dispatcher.
type OutboundJob struct {
	ChannelToken string   `json:"channelToken"`
	Activity     Activity `json:"activity"`
}

// SendResult is what a provider returns for an accepted outbound message.
type SendResult struct {
	ProviderMessageID string `json:"providerMessageId"`
	Contact           string `json:"contact,omitempty"`
}

// HeartbeatKind drives conversation timeout checks.
type HeartbeatKind string

const (
	HeartbeatReceived HeartbeatKind = "received"
	HeartbeatRead     HeartbeatKind = "read"
	HeartbeatResponse HeartbeatKind = "response"
)
