package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wapipe/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// Handler wraps the router with access logging and request metrics.
func (s *Server) Handler() http.Handler {
	s.Mux.Use(Metrics(observability.HTTPRequests))
	return Logging(s.Mux)
}

// NewMetricsMux serves /metrics on its own port.
func NewMetricsMux() *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return m
}
