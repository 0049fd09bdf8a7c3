package store

import "time"

// InboundClaim is a request to take ownership of an inbound provider message id.
type InboundClaim struct {
	ProviderMessageID string
	Provider          string
	ChannelToken      string
	Now               time.Time
	StaleAfter        time.Duration
}

// ClaimState is the outcome of an inbound claim attempt.
type ClaimState int

const (
	ClaimAcquired ClaimState = iota
	// ClaimDone: the id finished processing earlier.
	ClaimDone
	// ClaimInFlight: another consumer holds a fresh claim on the id.
	ClaimInFlight
)

// DeliveryEvent is the audit row appended for every provider status.
type DeliveryEvent struct {
	Provider          string
	ProviderMessageID string
	Hash              string
	Status            string
	AckType           int
	ErrorCode         string
	Applied           bool
	OccurredAt        time.Time
}

// AckAdvance moves the recorded ack state of a hash forward.
type AckAdvance struct {
	Hash    string
	AckType int
	Now     time.Time
}
