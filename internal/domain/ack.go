package domain

import "strconv"

// AckType is the delivery state taxonomy shared with conversation state.
// Non-negative values are ordered progress states; negative values are
// terminal failures.
type AckType int

const (
	AckEnqueued AckType = 0
	AckServer   AckType = 1 // sent
	AckDelivery AckType = 2
	AckRead     AckType = 3

	AckError                AckType = -1 // retryable provider-side failure
	AckNumberInvalid        AckType = -2
	AckTemplateMismatch     AckType = -3
	AckMessageTooLong       AckType = -4
	AckMarketingLimit       AckType = -5
	AckNotOnBusinessAPI     AckType = -6
	AckReengagementRequired AckType = -7

	// AckUnmapped is the synthetic type for failure codes missing from the table.
	AckUnmapped AckType = -99
)

var ackNames = map[AckType]string{
	AckEnqueued:             "enqueued",
	AckServer:               "server_ack",
	AckDelivery:             "delivery_ack",
	AckRead:                 "read",
	AckError:                "error",
	AckNumberInvalid:        "number_invalid",
	AckTemplateMismatch:     "template_mismatch",
	AckMessageTooLong:       "message_too_long",
	AckMarketingLimit:       "marketing_limit",
	AckNotOnBusinessAPI:     "not_on_business_api",
	AckReengagementRequired: "reengagement_required",
	AckUnmapped:             "unmapped_error",
}

func (a AckType) String() string {
	if s, ok := ackNames[a]; ok {
		return s
	}
	return "ack(" + strconv.Itoa(int(a)) + ")"
}

func (a AckType) Failed() bool { return a < 0 }

// Supersedes reports whether next may replace prev as the recorded state of a
// message. Progress only moves forward; a failure is always accepted.
func Supersedes(prev, next AckType) bool {
	if next.Failed() {
		return prev != next
	}
	if prev.Failed() {
		return false
	}
	return next > prev
}
