package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wapipe_http_requests_total", Help: "HTTP requests by route and status"},
		[]string{"route", "status"},
	)
	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wapipe_events_total", Help: "Pipeline events by name and outcome"},
		[]string{"event", "result"},
	)
	Latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "wapipe_stage_latency_seconds", Help: "Latency of pipeline stages"},
		[]string{"stage"},
	)
	Reported = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wapipe_reported_errors_total", Help: "Errors escalated for triage"},
		[]string{"kind"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(HTTPRequests, Events, Latency, Reported)
}
