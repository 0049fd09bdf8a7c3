// Package gupshup adapts Gupshup's WhatsApp webhook (v2 envelopes) and
// form-encoded send API.
package gupshup

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"wapipe/internal/domain"
	"wapipe/internal/providers"
	"wapipe/internal/util"
)

const apiURL = "https://api.gupshup.io"

var ErrEmptyMessage = errors.New("activity has neither text, media nor template")

type path []string

// Field locations inside the v2 envelope. The first present path wins.
var (
	memberPaths      = []path{{"payload", "sender", "phone"}, {"payload", "source"}}
	namePaths        = []path{{"payload", "sender", "name"}}
	messageIDPaths   = []path{{"payload", "id"}}
	messageTypePaths = []path{{"payload", "type"}}
	contextPaths     = []path{{"payload", "context", "gsId"}, {"payload", "context", "id"}, {"payload", "payload", "msgId"}}
	textPaths        = []path{
		{"payload", "payload", "text"},
		{"payload", "payload", "emoji"},
		{"payload", "payload", "title"},
		{"payload", "payload", "caption"},
		{"payload", "payload", "name"},
		{"payload", "payload", "contacts", "[0]", "name", "formatted_name"},
	}
	replyPaths       = []path{{"payload", "payload", "postbackText"}, {"payload", "payload", "payload"}, {"payload", "payload", "id"}}
	mediaURLPaths    = []path{{"payload", "payload", "url"}}
	contentTypePaths = []path{{"payload", "payload", "contentType"}}
	filenamePaths    = []path{{"payload", "payload", "name"}}

	statusIDPaths     = []path{{"payload", "gsId"}, {"payload", "id"}}
	statusPaths       = []path{{"payload", "type"}}
	recipientPaths    = []path{{"payload", "destination"}}
	errorCodePaths    = []path{{"payload", "payload", "code"}}
	errorReasonPaths  = []path{{"payload", "payload", "reason"}}
	conversationPaths = []path{{"payload", "conversation", "id"}}
	expiresPaths      = []path{{"payload", "conversation", "expiresAt"}}
	originPaths       = []path{{"payload", "conversation", "type"}}
	policyPaths       = []path{{"payload", "pricing", "policy"}}
	categoryPaths     = []path{{"payload", "pricing", "category"}}

	templateIDPaths     = []path{{"payload", "id"}}
	templateNamePaths   = []path{{"payload", "elementName"}}
	templateLangPaths   = []path{{"payload", "languageCode"}}
	templateStatusPaths = []path{{"payload", "status"}}
	templateReasonPaths = []path{{"payload", "rejectedReason"}}
)

// errorCodes refines the shared table with Gupshup's own failure codes.
var errorCodes = map[string]domain.AckType{
	"1002": domain.AckNumberInvalid,
	"1005": domain.AckTemplateMismatch,
	"1008": domain.AckReengagementRequired,
	"4002": domain.AckMessageTooLong,
}

type Adapter struct {
	BaseURL string
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() domain.Provider { return domain.ProviderGupshup }

func (a *Adapter) ErrorCodes() map[string]domain.AckType { return errorCodes }

func first(data []byte, paths []path) string {
	for _, p := range paths {
		v, dt, _, err := jsonparser.Get(data, p...)
		if err != nil {
			continue
		}
		var s string
		switch dt {
		case jsonparser.String:
			s, err = jsonparser.ParseString(v)
			if err != nil {
				continue
			}
		case jsonparser.Number, jsonparser.Boolean:
			s = string(v)
		default:
			continue
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func timestamp(data []byte) time.Time {
	ms, err := jsonparser.GetInt(data, "timestamp")
	if err != nil || ms <= 0 {
		return util.NowUTC()
	}
	return time.UnixMilli(ms).UTC()
}

func (a *Adapter) Normalize(channelToken string, raw []byte) []domain.IncomingEvent {
	kind, err := jsonparser.GetString(raw, "type")
	if err != nil {
		slog.Warn("gupshup webhook without type", "channel_token", channelToken, "err", err)
		return nil
	}

	ev := domain.IncomingEvent{
		Provider:     domain.ProviderGupshup,
		ChannelToken: channelToken,
		Raw:          raw,
		ReceivedAt:   util.NowUTC(),
	}

	switch kind {
	case "message":
		m := normalizeMessage(raw)
		if m == nil {
			return nil
		}
		ev.Kind, ev.Message = domain.KindMessage, m
	case "message-event":
		s := normalizeStatus(raw)
		if s == nil {
			return nil
		}
		ev.Kind, ev.Status = domain.KindStatus, s
	case "template-event":
		ev.Kind = domain.KindTemplate
		ev.Template = &domain.TemplateEvent{
			TemplateID:   first(raw, templateIDPaths),
			TemplateName: first(raw, templateNamePaths),
			Language:     first(raw, templateLangPaths),
			Event:        strings.ToUpper(first(raw, templateStatusPaths)),
			Reason:       first(raw, templateReasonPaths),
		}
	default:
		slog.Info("gupshup webhook type ignored", "type", kind, "channel_token", channelToken)
		return nil
	}
	return []domain.IncomingEvent{ev}
}

func normalizeMessage(raw []byte) *domain.InboundMessage {
	id := first(raw, messageIDPaths)
	member := first(raw, memberPaths)
	if id == "" || member == "" {
		return nil
	}

	typ := first(raw, messageTypePaths)
	m := &domain.InboundMessage{
		MemberID:          member,
		MemberName:        first(raw, namePaths),
		ProviderMessageID: id,
		ContextID:         first(raw, contextPaths),
		Type:              messageType(typ),
		Text:              first(raw, textPaths),
		Timestamp:         timestamp(raw),
	}

	switch typ {
	case "button_reply", "list_reply", "quick_reply":
		m.ReplyPayload = first(raw, replyPaths)
	}

	if u := first(raw, mediaURLPaths); u != "" {
		m.Media = &domain.MediaRef{URL: u, MimeType: first(raw, contentTypePaths)}
		if typ == "file" {
			m.Media.Filename = first(raw, filenamePaths)
		}
	}
	return m
}

func messageType(t string) domain.MessageType {
	switch t {
	case "text":
		return domain.TypeText
	case "image":
		return domain.TypeImage
	case "audio":
		return domain.TypeAudio
	case "video":
		return domain.TypeVideo
	case "file":
		return domain.TypeDocument
	case "sticker":
		return domain.TypeSticker
	case "location":
		return domain.TypeLocation
	case "contact":
		return domain.TypeContacts
	case "reaction":
		return domain.TypeReaction
	case "button_reply", "list_reply", "quick_reply":
		return domain.TypeInteractive
	default:
		return domain.TypeUnknown
	}
}

func normalizeStatus(raw []byte) *domain.StatusUpdate {
	id := first(raw, statusIDPaths)
	status := strings.ToLower(first(raw, statusPaths))
	if id == "" || status == "" {
		return nil
	}
	s := &domain.StatusUpdate{
		ProviderMessageID: id,
		Status:            status,
		RecipientID:       first(raw, recipientPaths),
		Timestamp:         timestamp(raw),
	}
	if status == "failed" {
		s.ErrorCode = first(raw, errorCodePaths)
		s.ErrorTitle = first(raw, errorReasonPaths)
	}
	if conv := first(raw, conversationPaths); conv != "" {
		billable, err := jsonparser.GetBoolean(raw, "payload", "pricing", "billable")
		if err != nil {
			billable = true
		}
		s.Pricing = &domain.Pricing{
			ProviderConversationID: conv,
			ExpirationTimestamp:    first(raw, expiresPaths),
			OriginType:             first(raw, originPaths),
			Billable:               billable,
			PricingModel:           first(raw, policyPaths),
			Category:               first(raw, categoryPaths),
		}
	}
	return s
}

// Verify is a no-op: Gupshup does not sign callbacks, channels are
// authenticated by their unguessable token in the callback URL.
func (a *Adapter) Verify(r *http.Request, body []byte, cfg domain.ChannelConfig) error {
	return nil
}

func (a *Adapter) base(cfg domain.ChannelConfig) string {
	switch {
	case cfg.BaseURL != "":
		return strings.TrimRight(cfg.BaseURL, "/")
	case a.BaseURL != "":
		return strings.TrimRight(a.BaseURL, "/")
	}
	return apiURL
}

type outboundMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
	OriginalURL string `json:"originalUrl,omitempty"`
	PreviewURL  string `json:"previewUrl,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

type outboundTemplate struct {
	ID     string   `json:"id"`
	Params []string `json:"params"`
}

func (a *Adapter) ComposeOutbound(act domain.Activity, cfg domain.ChannelConfig) (providers.Request, error) {
	if act.MemberID == "" || cfg.SourceNumber == "" {
		return providers.Request{}, domain.ErrMissingFields
	}

	form := url.Values{}
	form.Set("channel", "whatsapp")
	form.Set("source", cfg.SourceNumber)
	form.Set("destination", act.MemberID)
	form.Set("src.name", cfg.AppName)

	endpoint := a.base(cfg) + "/wa/api/v1/msg"
	switch {
	case act.Template != nil:
		params := act.Template.Parameters
		if params == nil {
			params = []string{}
		}
		b, err := json.Marshal(outboundTemplate{ID: act.Template.Name, Params: params})
		if err != nil {
			return providers.Request{}, fmt.Errorf("marshal gupshup template: %w", err)
		}
		form.Set("template", string(b))
		endpoint = a.base(cfg) + "/wa/api/v1/template/msg"
	default:
		msg, err := composeMessage(act)
		if err != nil {
			return providers.Request{}, err
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return providers.Request{}, fmt.Errorf("marshal gupshup message: %w", err)
		}
		form.Set("message", string(b))
	}

	h := http.Header{}
	h.Set("apikey", cfg.AccessToken)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return providers.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: h,
		Body:   []byte(form.Encode()),
	}, nil
}

func composeMessage(act domain.Activity) (outboundMessage, error) {
	if act.Media != nil && act.Media.URL != "" {
		u := act.Media.URL
		switch kind := mediaKind(act.Type, act.Media.MimeType); kind {
		case "image":
			return outboundMessage{Type: kind, OriginalURL: u, PreviewURL: u, Caption: act.Text}, nil
		case "video":
			return outboundMessage{Type: kind, URL: u, Caption: act.Text}, nil
		case "audio", "sticker":
			return outboundMessage{Type: kind, URL: u}, nil
		default:
			return outboundMessage{Type: "file", URL: u, Filename: act.Media.Filename}, nil
		}
	}
	if strings.TrimSpace(act.Text) == "" {
		return outboundMessage{}, ErrEmptyMessage
	}
	return outboundMessage{Type: "text", Text: act.Text}, nil
}

func mediaKind(t domain.MessageType, mime string) string {
	switch t {
	case domain.TypeImage, domain.TypeAudio, domain.TypeVideo, domain.TypeSticker:
		return string(t)
	case domain.TypeDocument:
		return "file"
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	}
	return "file"
}

func (a *Adapter) ParseSendResponse(body []byte) (domain.SendResult, error) {
	status, _ := jsonparser.GetString(body, "status")
	id, err := jsonparser.GetString(body, "messageId")
	if err != nil || id == "" {
		return domain.SendResult{}, fmt.Errorf("gupshup send response status %q: %w", status, domain.ErrMissingFields)
	}
	return domain.SendResult{ProviderMessageID: id}, nil
}

// Gupshup media URLs are directly downloadable, so there is no metadata hop.
func (a *Adapter) MediaMetadataURL(ref domain.MediaRef, cfg domain.ChannelConfig) string {
	return ""
}

func (a *Adapter) MediaHeader(cfg domain.ChannelConfig) http.Header {
	return http.Header{}
}

var _ providers.Adapter = (*Adapter)(nil)
