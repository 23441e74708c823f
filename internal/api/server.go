package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/browserctl/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Session-mutating endpoints are rate limited per client
	limited := RateLimitMiddleware(rateLimiter)
	api.Handle("/sessions", limited(http.HandlerFunc(h.CreateSession))).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/release", limited(http.HandlerFunc(h.ReleaseSession))).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/captchas/solve", limited(http.HandlerFunc(h.SolveCaptcha))).Methods(http.MethodPost)

	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/live-details", h.LiveDetails).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/debug", h.GetDebugURL).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/captchas/{taskId}", h.CaptchaStatus).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Preflight requests match no method above
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware(h.log))

	return r
}
