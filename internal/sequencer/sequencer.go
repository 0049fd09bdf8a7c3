// Package sequencer staggers rapid-fire inbound events from one sender so the
// first one usually finishes conversation creation before the next starts.
// It is a soft ordering device: nothing reads the counter back for correctness.
package sequencer

import (
	"context"
	"log/slog"
	"time"

	"wapipe/internal/cache"
	"wapipe/internal/phone"
)

type Sequencer struct {
	Counter  cache.Store
	Window   time.Duration // counter lifetime, measured from the first arrival
	Step     time.Duration // delay added per earlier arrival in the window
	MaxDelay time.Duration
}

func New(counter cache.Store, window, step, maxDelay time.Duration) *Sequencer {
	return &Sequencer{Counter: counter, Window: window, Step: step, MaxDelay: maxDelay}
}

func key(memberID, channelToken string) string {
	return "arrival:" + channelToken + ":" + phone.Canonical(memberID)
}

// Delay registers an arrival and returns how long the caller should wait.
// The first arrival in a window waits nothing.
func (s *Sequencer) Delay(ctx context.Context, memberID, channelToken string) time.Duration {
	n, err := s.Counter.Incr(ctx, key(memberID, channelToken), s.Window)
	if err != nil {
		slog.Warn("arrival counter failed", "channel_token", channelToken, "err", err)
		return 0
	}
	d := time.Duration(n-1) * s.Step
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

// Wait registers an arrival and sleeps for its delay, returning early with the
// context error if ctx is cancelled.
func (s *Sequencer) Wait(ctx context.Context, memberID, channelToken string) error {
	d := s.Delay(ctx, memberID, channelToken)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
