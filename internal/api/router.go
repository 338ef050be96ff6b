package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/talkback/internal/health"
	"github.com/MrWong99/talkback/internal/observe"
)

// NewRouter wires the control API, the health probes and, when
// metricsHandler is non-nil, GET /metrics.
func NewRouter(h *Handler, checks *health.Handler, metricsHandler http.Handler, m *observe.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(m))

	if checks != nil {
		checks.Register(r)
	}
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	h.RegisterRoutes(r)
	return r
}
