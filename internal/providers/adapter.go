// Package providers defines the capability set every BSP integration
// implements. Adapters are pure data-mapping modules: the pipeline owns all
// control flow.
package providers

import (
	"fmt"
	"net/http"
	"strings"

	"wapipe/internal/domain"
)

type Adapter interface {
	Name() domain.Provider
	// Normalize parses a raw webhook body into canonical events. Unrecognized
	// or partial payloads yield no events rather than an error.
	Normalize(channelToken string, raw []byte) []domain.IncomingEvent
	// Verify authenticates a webhook request whose body was already read.
	Verify(r *http.Request, body []byte, cfg domain.ChannelConfig) error
	ComposeOutbound(act domain.Activity, cfg domain.ChannelConfig) (Request, error)
	ParseSendResponse(body []byte) (domain.SendResult, error)
	// MediaMetadataURL is the first hop for indirect media references.
	MediaMetadataURL(ref domain.MediaRef, cfg domain.ChannelConfig) string
	MediaHeader(cfg domain.ChannelConfig) http.Header
	// ErrorCodes overrides the shared failure code table.
	ErrorCodes() map[string]domain.AckType
}

// Challenger is implemented by providers that verify webhook subscriptions
// with a GET handshake.
type Challenger interface {
	Challenge(r *http.Request, cfg domain.ChannelConfig) (string, error)
}

// Request is a provider HTTP call prepared by an adapter.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Registry map[domain.Provider]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}

func (r Registry) Get(p domain.Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, p)
	}
	return a, nil
}

// FirstText returns the first candidate that is non-empty after trimming.
func FirstText(candidates ...string) string {
	for _, c := range candidates {
		if s := strings.TrimSpace(c); s != "" {
			return s
		}
	}
	return ""
}
