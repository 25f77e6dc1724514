package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/entity-count-service/internal/observability"
	"github.com/kjstillabower/entity-count-service/internal/traffic"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration
	// Limiter guards the count routes. Nil disables rate limiting.
	Limiter  *rate.Limiter
	Traffic  *traffic.Tracker
	InFlight *InFlightTracker
}

// NewRouter builds the service routes. Count routes are rate limited and
// tracked in flight; all but the stream carry the request timeout.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InFlight == nil {
		cfg.InFlight = NewInFlightTracker(nil)
	}

	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware)

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(InFlightMiddleware(cfg.InFlight))
	api.Use(RateLimitMiddleware(cfg.Limiter, cfg.Traffic))

	timed := TimeoutMiddleware(cfg.RequestTimeout)
	scope := "/scopes/{scopeType}/{scopeId}"
	api.Handle(scope+"/counts", timed(http.HandlerFunc(h.GetCounts))).Methods(http.MethodGet)
	api.HandleFunc(scope+"/counts/stream", h.StreamCounts).Methods(http.MethodGet)
	api.Handle(scope+"/refresh", timed(http.HandlerFunc(h.PostRefresh))).Methods(http.MethodPost)
	api.Handle(scope+"/cache", timed(http.HandlerFunc(h.DeleteScopeCache))).Methods(http.MethodDelete)
	api.Handle("/cache/invalidate", timed(http.HandlerFunc(h.PostInvalidateTypes))).Methods(http.MethodPost)
	api.Handle("/cache", timed(http.HandlerFunc(h.DeleteCache))).Methods(http.MethodDelete)
	return r
}
