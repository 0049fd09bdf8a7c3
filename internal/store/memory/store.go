// Package memory is an in-process durable tier with the same uniqueness and
// conditional-update semantics as the postgres store.
package memory

import (
	"context"
	"sync"
	"time"

	"wapipe/internal/domain"
	"wapipe/internal/store"
)

type claim struct {
	state          string
	conversationID string
	updatedAt      time.Time
}

type Store struct {
	mu           sync.Mutex
	correlations map[string]domain.CorrelationEntry
	claims       map[string]claim
	acks         map[string]int
	events       []store.DeliveryEvent
}

func New() *Store {
	return &Store{
		correlations: make(map[string]domain.CorrelationEntry),
		claims:       make(map[string]claim),
		acks:         make(map[string]int),
	}
}

func (s *Store) SaveCorrelation(_ context.Context, e domain.CorrelationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.correlations[e.ProviderMessageID]; ok {
		return domain.ErrDuplicate
	}
	s.correlations[e.ProviderMessageID] = e
	return nil
}

func (s *Store) FindCorrelation(_ context.Context, providerMessageID string) (domain.CorrelationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.correlations[providerMessageID]
	if !ok {
		return domain.CorrelationEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *Store) ClaimInbound(_ context.Context, in store.InboundClaim) (store.ClaimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[in.ProviderMessageID]
	switch {
	case ok && c.state == "done":
		return store.ClaimDone, nil
	case ok && in.Now.Sub(c.updatedAt) < in.StaleAfter:
		return store.ClaimInFlight, nil
	}
	s.claims[in.ProviderMessageID] = claim{state: "processing", updatedAt: in.Now}
	return store.ClaimAcquired, nil
}

func (s *Store) CompleteInbound(_ context.Context, providerMessageID, conversationID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[providerMessageID] = claim{state: "done", conversationID: conversationID, updatedAt: now}
	return nil
}

func (s *Store) ReleaseInbound(_ context.Context, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[providerMessageID]; ok && c.state == "processing" {
		delete(s.claims, providerMessageID)
	}
	return nil
}

// InboundDone reports whether an inbound id completed processing.
func (s *Store) InboundDone(providerMessageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[providerMessageID].state == "done"
}

func (s *Store) AdvanceAck(_ context.Context, in store.AckAdvance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.acks[in.Hash]
	if ok && !domain.Supersedes(domain.AckType(prev), domain.AckType(in.AckType)) {
		return false, nil
	}
	s.acks[in.Hash] = in.AckType
	return true, nil
}

// AckOf returns the recorded ack state for hash.
func (s *Store) AckOf(hash string) (domain.AckType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.acks[hash]
	return domain.AckType(v), ok
}

func (s *Store) InsertDeliveryEvent(_ context.Context, in store.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, in)
	return nil
}

func (s *Store) DeliveryEvents() []store.DeliveryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.DeliveryEvent(nil), s.events...)
}
