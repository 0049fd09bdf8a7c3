package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"wapipe/internal/domain"
	"wapipe/internal/providers"
)

var ErrEmptyMessage = errors.New("activity has neither text, media nor template")

func (a *Adapter) ComposeOutbound(act domain.Activity, cfg domain.ChannelConfig) (providers.Request, error) {
	if act.MemberID == "" || cfg.PhoneNumberID == "" {
		return providers.Request{}, domain.ErrMissingFields
	}

	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               act.MemberID,
	}

	switch {
	case act.Template != nil:
		msg.Type = "template"
		msg.Template = composeTemplate(*act.Template)
	case act.Media != nil && act.Media.URL != "":
		kind := mediaKind(act.Type, act.Media.MimeType)
		m := &outboundMedia{Link: act.Media.URL}
		// Audio and stickers reject captions.
		if kind != "audio" && kind != "sticker" {
			m.Caption = act.Text
		}
		if kind == "document" {
			m.Filename = act.Media.Filename
		}
		msg.Type = kind
		switch kind {
		case "image":
			msg.Image = m
		case "audio":
			msg.Audio = m
		case "video":
			msg.Video = m
		case "sticker":
			msg.Sticker = m
		default:
			msg.Document = m
		}
	case strings.TrimSpace(act.Text) != "":
		msg.Type = "text"
		msg.Text = &outboundText{Body: act.Text, PreviewURL: strings.Contains(act.Text, "https://")}
	default:
		return providers.Request{}, ErrEmptyMessage
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return providers.Request{}, fmt.Errorf("marshal meta message: %w", err)
	}

	h := a.MediaHeader(cfg)
	h.Set("Content-Type", "application/json")
	return providers.Request{
		Method: http.MethodPost,
		URL:    a.base(cfg) + "/" + cfg.PhoneNumberID + "/messages",
		Header: h,
		Body:   body,
	}, nil
}

func composeTemplate(t domain.Template) *outboundTemplate {
	out := &outboundTemplate{Name: t.Name, Language: templateLanguage{Code: t.Language}}
	if len(t.Parameters) > 0 {
		params := make([]templateParameter, 0, len(t.Parameters))
		for _, p := range t.Parameters {
			params = append(params, templateParameter{Type: "text", Text: p})
		}
		out.Components = []templateComponent{{Type: "body", Parameters: params}}
	}
	return out
}

func mediaKind(t domain.MessageType, mime string) string {
	switch t {
	case domain.TypeImage, domain.TypeAudio, domain.TypeVideo, domain.TypeDocument, domain.TypeSticker:
		return string(t)
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	}
	return "document"
}

func (a *Adapter) ParseSendResponse(body []byte) (domain.SendResult, error) {
	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SendResult{}, fmt.Errorf("decode meta send response: %w", err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return domain.SendResult{}, fmt.Errorf("meta send response: %w", domain.ErrMissingFields)
	}
	out := domain.SendResult{ProviderMessageID: resp.Messages[0].ID}
	if len(resp.Contacts) > 0 {
		out.Contact = resp.Contacts[0].WaID
	}
	return out, nil
}
