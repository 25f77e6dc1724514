package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/entity-count-service/internal/batch"
	"github.com/kjstillabower/entity-count-service/internal/cache"
	"github.com/kjstillabower/entity-count-service/internal/client"
	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/observability"
)

// Config configures a CountService. Zero values select defaults.
type Config struct {
	// BatchWindow is how long the coordinator collects interest per scope
	// before dispatching. 0 dispatches immediately.
	BatchWindow time.Duration
	// StaleWhileRevalidate is the default for one-shot lookups.
	StaleWhileRevalidate bool
	Clock                clockwork.Clock
	Logger               *zap.Logger
}

// LookupOptions controls a single GetCounts call.
type LookupOptions struct {
	StaleWhileRevalidate bool
}

// Result is the outcome of a one-shot lookup.
type Result struct {
	Data    models.EntityCountData
	Metrics models.PerformanceMetrics
	// Revalidating is true when stale data was returned and a background
	// fetch was started to replace it.
	Revalidating bool
}

// CountService orchestrates count retrieval: cache store first, then the
// batch coordinator, with stale-while-revalidate and subscriptions on top.
type CountService struct {
	store       *cache.Store
	coordinator *batch.Coordinator
	clock       clockwork.Clock
	logger      *zap.Logger
	swr         bool
	stampede    *stampedeTracker

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// NewCountService wires a coordinator over source whose settled results land
// in store.
func NewCountService(source batch.Source, store *cache.Store, cfg Config) *CountService {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	coordinator := batch.New(source, batch.Config{
		Window: cfg.BatchWindow,
		Clock:  cfg.Clock,
		Logger: cfg.Logger.Named("batch"),
		Sink: func(scope models.ScopeKey, data models.EntityCountData, fetchedAt time.Time) {
			store.Merge(scope, data, fetchedAt)
		},
	})
	base, stop := context.WithCancel(context.Background())
	return &CountService{
		store:       store,
		coordinator: coordinator,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		swr:         cfg.StaleWhileRevalidate,
		stampede:    newStampedeTracker(),
		base:        base,
		stop:        stop,
	}
}

// DefaultLookupOptions returns the lookup options configured for the service.
func (s *CountService) DefaultLookupOptions() LookupOptions {
	return LookupOptions{StaleWhileRevalidate: s.swr}
}

// Store returns the count cache store backing the service.
func (s *CountService) Store() *cache.Store {
	return s.store
}

// Coordinator returns the batch coordinator used for network fetches.
func (s *CountService) Coordinator() *batch.Coordinator {
	return s.coordinator
}

// loggerFor returns the request-scoped logger from ctx, or the service logger.
func (s *CountService) loggerFor(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

type lookupKind int

const (
	lookupMiss lookupKind = iota
	lookupHit
	lookupStale
)

// lookupPlan is the outcome of consulting the store for one request.
type lookupPlan struct {
	kind  lookupKind
	entry cache.Entry
	// want is the type set a network fetch should ask for: the request plus
	// whatever the existing entry holds, so its replacement keeps serving
	// earlier consumers.
	want []models.EntityType
}

func (s *CountService) plan(scope models.ScopeKey, types []models.EntityType, swr bool) lookupPlan {
	entry, ok := s.store.Get(scope)
	if !ok {
		return lookupPlan{kind: lookupMiss, want: types}
	}
	want := models.UnionTypes(types, entry.Data.Types())
	if !entry.Covers(types) {
		return lookupPlan{kind: lookupMiss, entry: entry, want: want}
	}
	if entry.Fresh(s.clock.Now()) {
		return lookupPlan{kind: lookupHit, entry: entry, want: want}
	}
	if swr {
		return lookupPlan{kind: lookupStale, entry: entry, want: want}
	}
	return lookupPlan{kind: lookupMiss, entry: entry, want: want}
}

// revalidationTypes returns the type set a refresh of scope should fetch.
func (s *CountService) revalidationTypes(scope models.ScopeKey, types []models.EntityType) []models.EntityType {
	if entry, ok := s.store.Get(scope); ok {
		return models.UnionTypes(types, entry.Data.Types())
	}
	return types
}

func validateRequest(scope models.ScopeKey, types []models.EntityType) ([]models.EntityType, error) {
	if scope.IsZero() {
		return nil, models.ErrInvalidScope
	}
	types = models.NormalizeTypes(types)
	if len(types) == 0 {
		return nil, models.ErrNoEntityTypes
	}
	return types, nil
}

// GetCounts returns counts for types in scope. A fresh covering entry is
// returned without I/O. With StaleWhileRevalidate an expired covering entry
// is returned immediately and replaced in the background; otherwise the
// caller waits for the coordinator.
func (s *CountService) GetCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType, opts LookupOptions) (Result, error) {
	types, err := validateRequest(scope, types)
	if err != nil {
		return Result{}, err
	}
	logger := s.loggerFor(ctx)
	start := s.clock.Now()

	p := s.plan(scope, types, opts.StaleWhileRevalidate)
	switch p.kind {
	case lookupHit:
		observability.RecordLookup(scope.String(), string(models.SourceCache))
		logger.Debug("counts served from cache", zap.String("scope", scope.String()))
		return Result{
			Data:    p.entry.Data,
			Metrics: models.PerformanceMetrics{CacheHit: true, LoadTime: s.clock.Since(start), Source: models.SourceCache},
		}, nil
	case lookupStale:
		observability.RecordLookup(scope.String(), string(models.SourceStale))
		logger.Debug("serving stale counts, revalidating",
			zap.String("scope", scope.String()),
			zap.Duration("age", s.clock.Since(p.entry.CachedAt)))
		s.revalidate(ctx, scope, p.want)
		return Result{
			Data:         p.entry.Data,
			Metrics:      models.PerformanceMetrics{CacheHit: true, LoadTime: s.clock.Since(start), Source: models.SourceStale},
			Revalidating: true,
		}, nil
	}

	data, err := s.fetch(ctx, scope, p.want)
	if err != nil {
		if !models.IsCancellation(err) {
			observability.CountLookupErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		}
		return Result{}, err
	}
	observability.RecordLookup(scope.String(), string(models.SourceNetwork))
	logger.Debug("counts served from network",
		zap.String("scope", scope.String()),
		zap.Duration("duration", s.clock.Since(start)))
	return Result{
		Data:    data,
		Metrics: models.PerformanceMetrics{CacheHit: false, LoadTime: s.clock.Since(start), Source: models.SourceNetwork},
	}, nil
}

// fetch asks the coordinator for types, tracking concurrent misses per scope.
func (s *CountService) fetch(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	if n := s.stampede.Begin(scope); n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(observability.MetricScopeLabel(scope.String())).Inc()
	}
	defer s.stampede.End(scope)
	return s.coordinator.RequestCounts(ctx, scope, types)
}

// fetchFresh is fetch restricted to fresh coordinator units, which skip
// source caches.
func (s *CountService) fetchFresh(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	return s.coordinator.RequestFreshCounts(ctx, scope, types)
}

// revalidate fetches types for scope in the background. The result reaches
// the store through the coordinator sink.
func (s *CountService) revalidate(ctx context.Context, scope models.ScopeKey, types []models.EntityType) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	logger := s.loggerFor(ctx)
	ctx = detach(s.base, ctx)
	go func() {
		defer s.wg.Done()
		if _, err := s.fetch(ctx, scope, types); err != nil && !models.IsCancellation(err) {
			logger.Warn("background revalidation failed", zap.String("scope", scope.String()), zap.Error(err))
		}
	}()
}

// Refresh bypasses the cache: the scope entry is invalidated and the caller
// receives counts from a fresh fetch that skips source caches.
func (s *CountService) Refresh(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (Result, error) {
	types, err := validateRequest(scope, types)
	if err != nil {
		return Result{}, err
	}
	start := s.clock.Now()
	want := s.revalidationTypes(scope, types)
	s.Invalidate(scope)

	data, err := s.fetchFresh(ctx, scope, want)
	if err != nil {
		if !models.IsCancellation(err) {
			observability.CountLookupErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		}
		return Result{}, err
	}
	observability.RecordLookup(scope.String(), string(models.SourceNetwork))
	return Result{
		Data:    data,
		Metrics: models.PerformanceMetrics{CacheHit: false, LoadTime: s.clock.Since(start), Source: models.SourceNetwork},
	}, nil
}

// Invalidate removes the cached entry for scope. Entity types narrow nothing:
// the whole scope entry goes.
func (s *CountService) Invalidate(scope models.ScopeKey, types ...models.EntityType) bool {
	removed := s.store.Invalidate(scope, types...)
	if removed {
		observability.CacheInvalidationsTotal.WithLabelValues("scope").Inc()
		s.logger.Debug("invalidated scope", zap.String("scope", scope.String()))
	}
	return removed
}

// InvalidateEntityType removes every entry holding counts for one of types
// and returns how many were removed.
func (s *CountService) InvalidateEntityType(types ...models.EntityType) int {
	n := s.store.InvalidateEntityType(types...)
	if n > 0 {
		observability.CacheInvalidationsTotal.WithLabelValues("entity_type").Add(float64(n))
	}
	s.logger.Debug("invalidated entity types",
		zap.String("types", models.TypesSignature(types)),
		zap.Int("removed", n))
	return n
}

// Clear removes every cached entry.
func (s *CountService) Clear() {
	s.store.Clear()
	observability.CacheInvalidationsTotal.WithLabelValues("all").Inc()
	s.logger.Info("count cache cleared")
}

// Prefetch populates the store for scope if it has no fresh covering entry.
// Used by the cache warmer.
func (s *CountService) Prefetch(ctx context.Context, scope models.ScopeKey, types []models.EntityType) error {
	_, err := s.GetCounts(ctx, scope, types, LookupOptions{})
	return err
}

// Close stops background revalidations and the coordinator. Open
// subscriptions stop receiving results.
func (s *CountService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.coordinator.Close()
	s.wg.Wait()
}

// detachedContext reads values from one context and cancellation from another.
type detachedContext struct {
	context.Context
	values context.Context
}

func (d detachedContext) Value(key any) any {
	return d.values.Value(key)
}

func detach(base, values context.Context) context.Context {
	return detachedContext{Context: base, values: values}
}
