// Package ack turns provider status updates into domain acks: it classifies
// statuses and failure codes, guards against regressions, emits the ack
// downstream and derives billing records.
package ack

import (
	"errors"
	"strings"

	"wapipe/internal/domain"
)

var (
	ErrUnknownStatus = errors.New("unknown status")
	ErrUnmappedCode  = errors.New("unmapped failure code")
)

// DefaultErrorCodes is the WhatsApp Cloud API failure table. Providers layer
// their own codes on top through Adapter.ErrorCodes.
var DefaultErrorCodes = map[string]domain.AckType{
	// timeouts, throttling and provider-side 5xx
	"1":      domain.AckError,
	"2":      domain.AckError,
	"4":      domain.AckError,
	"80007":  domain.AckError,
	"130429": domain.AckError,
	"131000": domain.AckError,
	"131016": domain.AckError,
	"131048": domain.AckError,
	"131056": domain.AckError,
	"133004": domain.AckError,

	"131026": domain.AckNumberInvalid,
	"1013":   domain.AckNumberInvalid,
	"131030": domain.AckNumberInvalid,

	"133010": domain.AckNotOnBusinessAPI,

	"132000": domain.AckTemplateMismatch,
	"132001": domain.AckTemplateMismatch,
	"132007": domain.AckTemplateMismatch,
	"132012": domain.AckTemplateMismatch,

	"132005": domain.AckMessageTooLong,

	"131049": domain.AckMarketingLimit,
	"131050": domain.AckMarketingLimit,

	"131047": domain.AckReengagementRequired,
	"470":    domain.AckReengagementRequired,
}

// Classify maps a provider status to an AckType. Failures are looked up in
// overrides first, then in DefaultErrorCodes. An unknown failure code yields
// AckUnmapped together with ErrUnmappedCode so the caller can report it; an
// unknown status yields ErrUnknownStatus and should be skipped.
func Classify(status, code string, overrides map[string]domain.AckType) (domain.AckType, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "enqueued", "accepted", "submitted":
		return domain.AckEnqueued, nil
	case "sent":
		return domain.AckServer, nil
	case "delivered":
		return domain.AckDelivery, nil
	case "read":
		return domain.AckRead, nil
	case "failed":
		if t, ok := overrides[code]; ok {
			return t, nil
		}
		if t, ok := DefaultErrorCodes[code]; ok {
			return t, nil
		}
		return domain.AckUnmapped, ErrUnmappedCode
	default:
		return 0, ErrUnknownStatus
	}
}
