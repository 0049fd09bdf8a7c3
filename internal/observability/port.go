package observability

import (
	"context"
	"log/slog"
	"sync"
)

// Port is the telemetry surface handed to pipeline components.
type Port interface {
	// Count increments event with an outcome label.
	Count(event, result string)
	// Observe records a stage duration in seconds.
	Observe(stage string, seconds float64)
	// Report escalates an error that needs human triage.
	Report(ctx context.Context, kind string, err error, attrs ...any)
}

// Prometheus backs Port with the package-level collectors. Call Register first.
type Prometheus struct{}

func (Prometheus) Count(event, result string) {
	Events.WithLabelValues(event, result).Inc()
}

func (Prometheus) Observe(stage string, seconds float64) {
	Latency.WithLabelValues(stage).Observe(seconds)
}

func (Prometheus) Report(ctx context.Context, kind string, err error, attrs ...any) {
	Reported.WithLabelValues(kind).Inc()
	args := append([]any{"kind", kind, "err", err}, attrs...)
	slog.ErrorContext(ctx, "reported error", args...)
}

type Nop struct{}

func (Nop) Count(string, string)                          {}
func (Nop) Observe(string, float64)                       {}
func (Nop) Report(context.Context, string, error, ...any) {}

// Recorder keeps every call in memory. Tests use it to assert on outcomes.
type Recorder struct {
	mu      sync.Mutex
	counts  map[string]int
	reports []string
}

func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]int)}
}

func (r *Recorder) Count(event, result string) {
	r.mu.Lock()
	r.counts[event+"/"+result]++
	r.mu.Unlock()
}

func (r *Recorder) Observe(string, float64) {}

func (r *Recorder) Report(_ context.Context, kind string, _ error, _ ...any) {
	r.mu.Lock()
	r.reports = append(r.reports, kind)
	r.mu.Unlock()
}

// Counted returns how many times event/result was counted.
func (r *Recorder) Counted(event, result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[event+"/"+result]
}

// Reports returns the kinds reported so far.
func (r *Recorder) Reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Port) Port {
	if p == nil {
		return Nop{}
	}
	return p
}
