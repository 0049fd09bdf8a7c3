// Package meta adapts the WhatsApp Cloud API (graph.facebook.com) webhook and
// send shapes to the canonical pipeline events.
package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"wapipe/internal/domain"
	"wapipe/internal/providers"
	"wapipe/internal/util"
)

const (
	graphURL        = "https://graph.facebook.com"
	apiVersion      = "v23.0"
	signatureHeader = "X-Hub-Signature-256"
)

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrVerifyToken      = errors.New("verify token mismatch")
)

type Adapter struct {
	// BaseURL overrides the Graph API host, e.g. for the mock provider.
	BaseURL    string
	APIVersion string
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() domain.Provider { return domain.ProviderMeta }

func (a *Adapter) ErrorCodes() map[string]domain.AckType { return nil }

func (a *Adapter) Normalize(channelToken string, raw []byte) []domain.IncomingEvent {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("meta webhook unparseable", "channel_token", channelToken, "err", err)
		return nil
	}

	now := util.NowUTC()
	base := domain.IncomingEvent{
		Provider:     domain.ProviderMeta,
		ChannelToken: channelToken,
		Raw:          raw,
		ReceivedAt:   now,
	}

	var out []domain.IncomingEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			switch change.Field {
			case "messages":
				out = append(out, a.messageEvents(base, change.Value)...)
			case "message_template_status_update":
				ev := base
				ev.Kind = domain.KindTemplate
				ev.Template = &domain.TemplateEvent{
					TemplateID:   anyString(change.Value.MessageTemplateID),
					TemplateName: change.Value.MessageTemplateName,
					Language:     change.Value.MessageTemplateLanguage,
					Event:        change.Value.Event,
					Reason:       change.Value.Reason,
				}
				out = append(out, ev)
			default:
				slog.Info("meta webhook field ignored", "field", change.Field, "channel_token", channelToken)
			}
		}
	}
	return out
}

func (a *Adapter) messageEvents(base domain.IncomingEvent, v webhookValue) []domain.IncomingEvent {
	var out []domain.IncomingEvent

	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[c.WaID] = c.Profile.Name
	}

	for _, m := range v.Messages {
		if m.ID == "" || m.Type == "unsupported" {
			continue
		}
		ev := base
		ev.Kind = domain.KindMessage
		ev.Message = normalizeMessage(m, v.Contacts, names)
		out = append(out, ev)
	}

	for _, s := range v.Statuses {
		if s.ID == "" || s.Status == "" {
			continue
		}
		ev := base
		ev.Kind = domain.KindStatus
		ev.Status = normalizeStatus(s)
		out = append(out, ev)
	}

	for _, e := range v.Errors {
		ev := base
		ev.Kind = domain.KindError
		ev.Error = &domain.ProviderError{Code: strconv.Itoa(e.Code), Title: e.Title, Details: e.ErrorData.Details}
		out = append(out, ev)
	}
	return out
}

// memberID prefers the contact wa_id, which carries the account's canonical
// spelling, over the message "from".
func memberID(m incomingMessage, contacts []webhookContact) string {
	if len(contacts) == 1 && contacts[0].WaID != "" {
		return contacts[0].WaID
	}
	return m.From
}

func normalizeMessage(m incomingMessage, contacts []webhookContact, names map[string]string) *domain.InboundMessage {
	member := memberID(m, contacts)
	out := &domain.InboundMessage{
		MemberID:          member,
		MemberName:        providers.FirstText(names[member], names[m.From]),
		ProviderMessageID: m.ID,
		Type:              messageType(m.Type),
		Text:              text(m),
		ReplyPayload:      replyPayload(m),
		Media:             mediaRef(m),
		Timestamp:         util.UnixString(m.Timestamp),
	}
	if m.Context != nil {
		out.ContextID = m.Context.ID
	}
	if m.Reaction != nil && out.ContextID == "" {
		out.ContextID = m.Reaction.MessageID
	}
	return out
}

func messageType(t string) domain.MessageType {
	switch t {
	case "text", "image", "audio", "video", "document", "sticker", "location", "contacts", "reaction", "button", "interactive":
		return domain.MessageType(t)
	default:
		return domain.TypeUnknown
	}
}

// text walks the candidates in priority order: body, reaction emoji,
// button/list reply title, media caption, filename, contact name.
func text(m incomingMessage) string {
	var body, emoji, reply, caption, filename, contact string
	if m.Text != nil {
		body = m.Text.Body
	}
	if m.Reaction != nil {
		emoji = m.Reaction.Emoji
	}
	if m.Button != nil {
		reply = m.Button.Text
	}
	if m.Interactive != nil {
		switch {
		case m.Interactive.ButtonReply != nil:
			reply = m.Interactive.ButtonReply.Title
		case m.Interactive.ListReply != nil:
			reply = m.Interactive.ListReply.Title
		}
	}
	if md := media(m); md != nil {
		caption, filename = md.Caption, md.Filename
	}
	if len(m.Contacts) > 0 {
		contact = m.Contacts[0].Name.FormattedName
	}
	if m.Location != nil && body == "" {
		body = fmt.Sprintf("geo:%f,%f", m.Location.Latitude, m.Location.Longitude)
	}
	return providers.FirstText(body, emoji, reply, caption, filename, contact)
}

func replyPayload(m incomingMessage) string {
	switch {
	case m.Button != nil:
		return m.Button.Payload
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.ID
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.ID
	}
	return ""
}

func media(m incomingMessage) *incomingMedia {
	for _, md := range []*incomingMedia{m.Image, m.Audio, m.Video, m.Document, m.Sticker} {
		if md != nil {
			return md
		}
	}
	return nil
}

func mediaRef(m incomingMessage) *domain.MediaRef {
	md := media(m)
	if md == nil || md.ID == "" {
		return nil
	}
	return &domain.MediaRef{ID: md.ID, MimeType: md.MimeType, Filename: md.Filename}
}

func normalizeStatus(s statusUpdate) *domain.StatusUpdate {
	out := &domain.StatusUpdate{
		ProviderMessageID: s.ID,
		Status:            strings.ToLower(s.Status),
		RecipientID:       s.RecipientID,
		Timestamp:         util.UnixString(s.Timestamp),
	}
	if len(s.Errors) > 0 {
		out.ErrorCode = strconv.Itoa(s.Errors[0].Code)
		out.ErrorTitle = s.Errors[0].Title
	}
	if s.Pricing != nil {
		p := &domain.Pricing{
			Billable:     s.Pricing.Billable,
			PricingModel: s.Pricing.PricingModel,
			Category:     s.Pricing.Category,
			PricingType:  s.Pricing.Type,
		}
		if s.Conversation != nil {
			p.ProviderConversationID = s.Conversation.ID
			p.ExpirationTimestamp = anyString(s.Conversation.ExpirationTimestamp)
			p.OriginType = s.Conversation.Origin.Type
		}
		out.Pricing = p
	}
	return out
}

// anyString renders ids Meta sends either as JSON strings or numbers.
func anyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Verify checks X-Hub-Signature-256 when the channel has an app secret.
func (a *Adapter) Verify(r *http.Request, body []byte, cfg domain.ChannelConfig) error {
	if cfg.AppSecret == "" {
		return nil
	}
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return ErrMissingSignature
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	mac := hmac.New(sha256.New, []byte(cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Challenge answers the subscription handshake.
func (a *Adapter) Challenge(r *http.Request, cfg domain.ChannelConfig) (string, error) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || cfg.VerifyToken == "" || q.Get("hub.verify_token") != cfg.VerifyToken {
		return "", ErrVerifyToken
	}
	return q.Get("hub.challenge"), nil
}

// Sign computes the signature header value for body; the mock provider and
// tests use it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) base(cfg domain.ChannelConfig) string {
	base := a.BaseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if base == "" {
		base = graphURL
	}
	version := a.APIVersion
	if version == "" {
		version = apiVersion
	}
	return strings.TrimRight(base, "/") + "/" + version
}

func (a *Adapter) MediaMetadataURL(ref domain.MediaRef, cfg domain.ChannelConfig) string {
	return a.base(cfg) + "/" + ref.ID
}

func (a *Adapter) MediaHeader(cfg domain.ChannelConfig) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.AccessToken)
	return h
}

var _ providers.Adapter = (*Adapter)(nil)
var _ providers.Challenger = (*Adapter)(nil)
