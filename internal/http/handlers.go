package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/entity-count-service/internal/circuitbreaker"
	"github.com/kjstillabower/entity-count-service/internal/client"
	"github.com/kjstillabower/entity-count-service/internal/lifecycle"
	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/observability"
	"github.com/kjstillabower/entity-count-service/internal/service"
	"github.com/kjstillabower/entity-count-service/internal/traffic"
	"github.com/kjstillabower/entity-count-service/internal/validation"
)

const serviceName = "entity-count-service"

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// SourceCachePing, when set, is called to check memcached reachability.
	SourceCachePing func() error
}

// Pinger checks data source reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the collaborators of a Handler. Counts is required; the rest
// are optional.
type Deps struct {
	Counts      *service.CountService
	Source      Pinger
	Breaker     *circuitbreaker.CircuitBreaker
	Health      *HealthConfig
	Traffic     *traffic.Tracker
	Lifecycle   *lifecycle.Lifecycle
	EntityTypes []models.EntityType
	// Stream configures subscriptions opened by the SSE route.
	Stream service.Options
	Logger *zap.Logger
	Clock  clockwork.Clock
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	counts       *service.CountService
	source       Pinger
	breaker      *circuitbreaker.CircuitBreaker
	healthConfig *HealthConfig
	traffic      *traffic.Tracker
	lifecycle    *lifecycle.Lifecycle
	entityTypes  []models.EntityType
	streamOpts   service.Options
	logger       *zap.Logger
	clock        clockwork.Clock

	healthStatusMu   sync.Mutex
	healthStatusPrev string

	streamsDone  chan struct{}
	streamsClose sync.Once
}

// NewHandler returns a new Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Traffic == nil {
		d.Traffic = traffic.NewTracker(d.Clock, 0)
	}
	if d.Lifecycle == nil {
		d.Lifecycle = lifecycle.New(d.Clock)
	}
	if len(d.EntityTypes) == 0 {
		d.EntityTypes = models.DefaultEntityTypes
	}
	return &Handler{
		counts:       d.Counts,
		source:       d.Source,
		breaker:      d.Breaker,
		healthConfig: d.Health,
		traffic:      d.Traffic,
		lifecycle:    d.Lifecycle,
		entityTypes:  d.EntityTypes,
		streamOpts:   d.Stream,
		logger:       d.Logger,
		clock:        d.Clock,
		streamsDone:  make(chan struct{}),
	}
}

// CloseStreams ends every open count stream. http.Server.Shutdown waits for
// active requests, so call this first during shutdown.
func (h *Handler) CloseStreams() {
	h.streamsClose.Do(func() { close(h.streamsDone) })
}

type performanceResponse struct {
	CacheHit   bool          `json:"cacheHit"`
	LoadTimeMs float64       `json:"loadTimeMs"`
	Source     models.Source `json:"source"`
}

type countsResponse struct {
	models.EntityCountData
	Performance  performanceResponse `json:"performance"`
	Revalidating bool                `json:"revalidating,omitempty"`
}

func newPerformance(m models.PerformanceMetrics) performanceResponse {
	return performanceResponse{CacheHit: m.CacheHit, LoadTimeMs: m.LoadTimeMillis(), Source: m.Source}
}

// parseCountsRequest reads the scope from the path and the entity types from
// ?types=. An absent types parameter selects every configured type.
func (h *Handler) parseCountsRequest(r *http.Request) (models.ScopeKey, []models.EntityType, error) {
	vars := mux.Vars(r)
	scope, err := validation.ParseScope(vars["scopeType"], vars["scopeId"])
	if err != nil {
		return models.ScopeKey{}, nil, err
	}
	q := r.URL.Query()
	if !q.Has("types") {
		return scope, append([]models.EntityType(nil), h.entityTypes...), nil
	}
	types, err := validation.ParseEntityTypes(q.Get("types"), h.entityTypes)
	if err != nil {
		return models.ScopeKey{}, nil, err
	}
	return scope, types, nil
}

// GetCounts handles GET /scopes/{scopeType}/{scopeId}/counts.
func (h *Handler) GetCounts(w http.ResponseWriter, r *http.Request) {
	scope, types, err := h.parseCountsRequest(r)
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	opts := h.counts.DefaultLookupOptions()
	if raw := r.URL.Query().Get("swr"); raw != "" {
		swr, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "swr must be a boolean")
			return
		}
		opts.StaleWhileRevalidate = swr
	}

	result, err := h.counts.GetCounts(r.Context(), scope, types, opts)
	if err != nil {
		h.recordOutcome(err)
		writeLookupError(w, r, err)
		return
	}
	h.traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, countsResponse{
		EntityCountData: result.Data,
		Performance:     newPerformance(result.Metrics),
		Revalidating:    result.Revalidating,
	})
}

// PostRefresh handles POST /scopes/{scopeType}/{scopeId}/refresh.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	scope, types, err := h.parseCountsRequest(r)
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	result, err := h.counts.Refresh(r.Context(), scope, types)
	if err != nil {
		h.recordOutcome(err)
		writeLookupError(w, r, err)
		return
	}
	h.traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, countsResponse{
		EntityCountData: result.Data,
		Performance:     newPerformance(result.Metrics),
	})
}

// DeleteScopeCache handles DELETE /scopes/{scopeType}/{scopeId}/cache.
func (h *Handler) DeleteScopeCache(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scope, err := validation.ParseScope(vars["scopeType"], vars["scopeId"])
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	h.counts.Invalidate(scope)
	w.WriteHeader(http.StatusNoContent)
}

// PostInvalidateTypes handles POST /cache/invalidate?types=a,b.
func (h *Handler) PostInvalidateTypes(w http.ResponseWriter, r *http.Request) {
	types, err := validation.ParseEntityTypes(r.URL.Query().Get("types"), h.entityTypes)
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	removed := h.counts.InvalidateEntityType(types...)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// DeleteCache handles DELETE /cache.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	h.counts.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type snapshotEvent struct {
	ID             string                                       `json:"id"`
	Scope          models.ScopeKey                              `json:"scope"`
	Types          []models.EntityType                          `json:"types"`
	Status         service.Status                               `json:"status"`
	Counts         map[models.EntityType]int                    `json:"counts"`
	RecentEntities map[models.EntityType][]models.EntitySummary `json:"recentEntities"`
	Loading        bool                                         `json:"loading"`
	Error          string                                       `json:"error,omitempty"`
	LastUpdated    *time.Time                                   `json:"lastUpdated,omitempty"`
	Performance    *performanceResponse                         `json:"performance,omitempty"`
}

func newSnapshotEvent(s service.Snapshot) snapshotEvent {
	ev := snapshotEvent{
		ID:             s.ID,
		Scope:          s.Scope,
		Types:          s.Types,
		Status:         s.Status,
		Counts:         s.Counts,
		RecentEntities: s.RecentEntities,
		Loading:        s.Loading,
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	if !s.LastUpdated.IsZero() {
		t := s.LastUpdated
		ev.LastUpdated = &t
	}
	if s.Status == service.StatusReady || s.Status == service.StatusRefreshing {
		p := newPerformance(s.Metrics)
		ev.Performance = &p
	}
	return ev
}

// StreamCounts handles GET /scopes/{scopeType}/{scopeId}/counts/stream. Each
// subscription state change is written as one "counts" server-sent event
// until the client disconnects.
func (h *Handler) StreamCounts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming is not supported")
		return
	}
	scope, types, err := h.parseCountsRequest(r)
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	logger := requestLogger(r, h.logger)

	opts := h.streamOpts
	userOnError := opts.OnError
	opts.OnError = func(err error) {
		h.recordOutcome(err)
		if userOnError != nil {
			userOnError(err)
		}
	}
	sub, err := h.counts.Subscribe(scope, types, opts)
	if err != nil {
		writeLookupError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.Debug("count stream opened", zap.String("scope", scope.String()), zap.String("subscription", sub.Snapshot().ID))

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("count stream closed", zap.String("scope", scope.String()))
			return
		case <-h.streamsDone:
			logger.Debug("count stream closed for shutdown", zap.String("scope", scope.String()))
			return
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := writeEvent(w, "counts", newSnapshotEvent(snap)); err != nil {
				logger.Debug("count stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
			if snap.Status == service.StatusReady {
				h.traffic.RecordSuccess()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// recordOutcome feeds the degraded check. Caller input errors and client
// cancellations are not service errors.
func (h *Handler) recordOutcome(err error) {
	switch {
	case err == nil:
		h.traffic.RecordSuccess()
	case validation.IsInvalidInput(err), errors.Is(err, client.ErrScopeNotFound), errors.Is(err, context.Canceled):
	default:
		h.traffic.RecordError()
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	sourceErr := h.pingSource(r.Context())
	result := h.computeHealthStatus(sourceErr)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"source": "healthy"}
	if sourceErr != nil {
		checks["source"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.SourceCachePing != nil {
		if h.healthConfig.SourceCachePing() == nil {
			checks["sourceCache"] = "healthy"
		} else {
			checks["sourceCache"] = "unhealthy"
		}
	}
	if h.breaker != nil {
		checks["circuitBreaker"] = h.breaker.State().String()
	}
	resp := map[string]interface{}{
		"status":       result.status,
		"service":      serviceName,
		"version":      "dev",
		"checks":       checks,
		"cacheEntries": h.counts.Store().Len(),
		"uptime":       h.lifecycle.Uptime().Round(time.Second).String(),
		"timestamp":    h.clock.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

func (h *Handler) pingSource(ctx context.Context) error {
	if h.source == nil {
		return nil
	}
	return h.source.Ping(ctx)
}

// computeHealthStatus determines the current health status by evaluating conditions
// in priority order: shutting-down > source unreachable > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(sourceErr error) healthResult {
	if h.lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, h.lifecycle.ShutdownReason()}
	}
	if sourceErr != nil {
		reason := "source_unreachable"
		if errors.Is(sourceErr, client.ErrInvalidAPIKey) {
			reason = "api_key_invalid"
		}
		return healthResult{"degraded", http.StatusServiceUnavailable, reason}
	}
	hc := h.healthConfig
	if hc == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Overloaded when requests in the window exceed the configured share of
	// what the rate limiter admits.
	if hc.RateLimitRPS > 0 && hc.OverloadWindow > 0 && hc.OverloadThresholdPct > 0 {
		threshold := float64(hc.RateLimitRPS) * hc.OverloadWindow.Seconds() * float64(hc.OverloadThresholdPct) / 100
		if float64(h.traffic.RequestCount(hc.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if hc.DegradedWindow > 0 && hc.DegradedErrorPct > 0 {
		errCount, total := h.traffic.ErrorRate(hc.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(hc.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return fallback
}

// writeLookupError maps service and validation errors to responses. A
// request cancelled by its client gets no body.
func writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case validation.IsInvalidInput(err):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Timed out fetching entity counts")
	case errors.Is(err, context.Canceled):
		logger.Debug("request cancelled", zap.Error(err))
	case errors.Is(err, client.ErrScopeNotFound):
		writeError(w, r, http.StatusNotFound, "SCOPE_NOT_FOUND", "Scope not found")
	case errors.Is(err, service.ErrSubscriptionClosed):
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "SOURCE_UNAVAILABLE", "Unable to fetch entity counts")
		logger.Debug("source error",
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
	}
}
