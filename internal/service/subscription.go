package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/entity-count-service/internal/batch"
	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/observability"
)

// DefaultRefreshInterval is the background refresh period used by DefaultOptions.
const DefaultRefreshInterval = 5 * time.Minute

// updatesBuffer bounds the Updates channel. A slow reader loses the oldest
// snapshots, never the latest.
const updatesBuffer = 16

// ErrSubscriptionClosed is returned by operations on a closed Subscription.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusLoading    Status = "loading"
	StatusReady      Status = "ready"
	StatusRefreshing Status = "refreshing"
	StatusError      Status = "error"
)

// Options configures a subscription.
type Options struct {
	EnableStaleWhileRevalidate bool
	EnableBackgroundRefresh    bool
	// RefreshInterval is the delay between a settled fetch and the next
	// background refresh. Non-positive disables background refresh.
	RefreshInterval time.Duration

	OnCacheHit  func(scope models.ScopeKey)
	OnCacheMiss func(scope models.ScopeKey)
	OnError     func(err error)
}

// DefaultOptions returns stale-while-revalidate and background refresh
// enabled with DefaultRefreshInterval.
func DefaultOptions() Options {
	return Options{
		EnableStaleWhileRevalidate: true,
		EnableBackgroundRefresh:    true,
		RefreshInterval:            DefaultRefreshInterval,
	}
}

// Snapshot is the consumer-visible state of a subscription.
type Snapshot struct {
	ID             string
	Scope          models.ScopeKey
	Types          []models.EntityType
	Status         Status
	Counts         map[models.EntityType]int
	RecentEntities map[models.EntityType][]models.EntitySummary
	Loading        bool
	Err            error
	LastUpdated    time.Time
	Metrics        models.PerformanceMetrics
}

// Subscription keeps counts for one scope current for a long-lived consumer.
// Every fetch it starts is tagged with a generation; a result whose
// generation has been superseded, or that settles after Close, is dropped.
type Subscription struct {
	svc    *CountService
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger

	mu         sync.Mutex
	alive      bool
	generation uint64
	cancel     context.CancelFunc
	timer      clockwork.Timer
	everReady  bool
	state      Snapshot
	updates    chan Snapshot
}

// Subscribe opens a subscription for types in scope and starts the initial
// load. A fresh or stale covering cache entry is visible in Snapshot before
// Subscribe returns.
func (s *CountService) Subscribe(scope models.ScopeKey, types []models.EntityType, opts Options) (*Subscription, error) {
	types, err := validateRequest(scope, types)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSubscriptionClosed
	}

	id := uuid.NewString()
	sub := &Subscription{
		svc:    s,
		opts:   opts,
		clock:  s.clock,
		logger: s.logger.With(zap.String("subscription", id)),
		alive:  true,
		state: Snapshot{
			ID:     id,
			Scope:  scope,
			Types:  types,
			Status: StatusIdle,
		},
		updates: make(chan Snapshot, updatesBuffer),
	}
	observability.ActiveSubscriptions.Inc()

	sub.mu.Lock()
	after := sub.startLocked()
	sub.mu.Unlock()
	after()
	return sub, nil
}

// Snapshot returns the current state.
func (sub *Subscription) Snapshot() Snapshot {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.snapshotLocked()
}

// Updates delivers one snapshot per state change. It is closed by Close.
func (sub *Subscription) Updates() <-chan Snapshot {
	return sub.updates
}

// Refresh invalidates the scope entry and fetches counts from a fresh fetch,
// bypassing source caches. Rapid repeated calls share one fetch. The returned
// error is the fetch error; a call superseded by a later one returns a
// cancellation error without touching state.
func (sub *Subscription) Refresh(ctx context.Context) error {
	sub.mu.Lock()
	if !sub.alive {
		sub.mu.Unlock()
		return ErrSubscriptionClosed
	}
	start := sub.clock.Now()
	gen, fetchCtx := sub.beginLocked(ctx)
	scope := sub.state.Scope
	want := sub.svc.revalidationTypes(scope, sub.state.Types)
	sub.svc.Invalidate(scope)
	sub.state.Status = StatusLoading
	sub.state.Loading = true
	sub.emitLocked()
	sub.mu.Unlock()

	data, err := sub.svc.fetchFresh(fetchCtx, scope, want)
	sub.settle(gen, data, err, models.PerformanceMetrics{
		CacheHit: false,
		LoadTime: sub.clock.Since(start),
		Source:   models.SourceNetwork,
	})
	return err
}

// ClearCache removes the cached entry for the subscription's scope without
// fetching or touching subscription state.
func (sub *Subscription) ClearCache() {
	sub.mu.Lock()
	scope := sub.state.Scope
	sub.mu.Unlock()
	sub.svc.Invalidate(scope)
}

// SetScope switches the subscription to a new scope or type set. In-flight
// work for the previous inputs is abandoned and a new load starts.
func (sub *Subscription) SetScope(scope models.ScopeKey, types []models.EntityType) error {
	types, err := validateRequest(scope, types)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	if !sub.alive {
		sub.mu.Unlock()
		return ErrSubscriptionClosed
	}
	if sub.state.Scope != scope {
		sub.state.Counts = nil
		sub.state.RecentEntities = nil
		sub.state.LastUpdated = time.Time{}
		sub.everReady = false
	}
	sub.state.Scope = scope
	sub.state.Types = types
	sub.state.Err = nil
	sub.state.Status = StatusIdle
	after := sub.startLocked()
	sub.mu.Unlock()
	after()
	return nil
}

// Close stops background refresh and discards any in-flight result. Safe to
// call more than once.
func (sub *Subscription) Close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.alive {
		return
	}
	sub.alive = false
	sub.generation++
	if sub.cancel != nil {
		sub.cancel()
		sub.cancel = nil
	}
	sub.stopTimerLocked()
	close(sub.updates)
	observability.ActiveSubscriptions.Dec()
}

// beginLocked starts a new generation, cancelling the previous fetch and any
// pending background refresh.
func (sub *Subscription) beginLocked(parent context.Context) (uint64, context.Context) {
	sub.generation++
	if sub.cancel != nil {
		sub.cancel()
	}
	sub.stopTimerLocked()
	ctx, cancel := context.WithCancel(parent)
	sub.cancel = cancel
	return sub.generation, ctx
}

// startLocked runs the cache step of a load and launches the network step
// if needed. The returned func runs consumer callbacks and must be called
// after the lock is released.
func (sub *Subscription) startLocked() func() {
	gen, ctx := sub.beginLocked(sub.svc.base)
	scope, types := sub.state.Scope, sub.state.Types
	start := sub.clock.Now()

	p := sub.svc.plan(scope, types, sub.opts.EnableStaleWhileRevalidate)
	switch p.kind {
	case lookupHit:
		observability.RecordLookup(scope.String(), string(models.SourceCache))
		sub.applyLocked(p.entry.Data, models.PerformanceMetrics{
			CacheHit: true, LoadTime: sub.clock.Since(start), Source: models.SourceCache,
		})
		sub.state.Status = StatusReady
		sub.readyLocked()
		sub.emitLocked()
		return sub.callback(sub.opts.OnCacheHit, scope)

	case lookupStale:
		observability.RecordLookup(scope.String(), string(models.SourceStale))
		sub.applyLocked(p.entry.Data, models.PerformanceMetrics{
			CacheHit: true, LoadTime: sub.clock.Since(start), Source: models.SourceStale,
		})
		sub.state.Status = StatusRefreshing
		sub.state.Loading = false
		sub.emitLocked()
		go sub.fetch(ctx, gen, scope, p.want, start)
		return sub.callback(sub.opts.OnCacheHit, scope)
	}

	sub.state.Status = StatusLoading
	sub.state.Loading = true
	sub.emitLocked()
	go sub.fetch(ctx, gen, scope, p.want, start)
	return sub.callback(sub.opts.OnCacheMiss, scope)
}

func (sub *Subscription) callback(fn func(models.ScopeKey), scope models.ScopeKey) func() {
	if fn == nil {
		return func() {}
	}
	return func() { fn(scope) }
}

func (sub *Subscription) fetch(ctx context.Context, gen uint64, scope models.ScopeKey, types []models.EntityType, start time.Time) {
	data, err := sub.svc.fetch(ctx, scope, types)
	if err == nil {
		observability.RecordLookup(scope.String(), string(models.SourceNetwork))
	}
	sub.settle(gen, data, err, models.PerformanceMetrics{
		CacheHit: false,
		LoadTime: sub.clock.Since(start),
		Source:   models.SourceNetwork,
	})
}

// backgroundRefresh revalidates without a visible loading state.
func (sub *Subscription) backgroundRefresh() {
	sub.mu.Lock()
	if !sub.alive {
		sub.mu.Unlock()
		return
	}
	sub.timer = nil
	start := sub.clock.Now()
	gen, ctx := sub.beginLocked(sub.svc.base)
	scope := sub.state.Scope
	want := sub.svc.revalidationTypes(scope, sub.state.Types)
	sub.state.Status = StatusRefreshing
	sub.mu.Unlock()

	sub.logger.Debug("background refresh", zap.String("scope", scope.String()))
	data, err := sub.svc.fetch(ctx, scope, want)
	result := "success"
	if err != nil {
		result = "error"
		if models.IsCancellation(err) {
			result = "cancelled"
		}
	}
	observability.BackgroundRefreshesTotal.WithLabelValues(result).Inc()
	sub.settle(gen, data, err, models.PerformanceMetrics{
		CacheHit: false,
		LoadTime: sub.clock.Since(start),
		Source:   models.SourceNetwork,
	})
}

// settle applies a fetch outcome if gen is still current.
func (sub *Subscription) settle(gen uint64, data models.EntityCountData, err error, metrics models.PerformanceMetrics) {
	sub.mu.Lock()
	if !sub.alive || gen != sub.generation {
		sub.mu.Unlock()
		return
	}
	if sub.cancel != nil {
		sub.cancel()
		sub.cancel = nil
	}

	if err != nil {
		if models.IsCancellation(err) || errors.Is(err, batch.ErrClosed) {
			sub.mu.Unlock()
			return
		}
		sub.state.Err = err
		sub.state.Loading = false
		sub.state.Status = StatusError
		sub.scheduleLocked()
		sub.emitLocked()
		onError := sub.opts.OnError
		scope := sub.state.Scope
		sub.mu.Unlock()

		sub.logger.Warn("count fetch failed", zap.String("scope", scope.String()), zap.Error(err))
		if onError != nil {
			onError(err)
		}
		return
	}

	sub.applyLocked(data, metrics)
	sub.state.Status = StatusReady
	sub.readyLocked()
	sub.emitLocked()
	sub.mu.Unlock()
}

func (sub *Subscription) applyLocked(data models.EntityCountData, metrics models.PerformanceMetrics) {
	sub.state.Counts = data.Counts
	sub.state.RecentEntities = data.RecentEntities
	sub.state.LastUpdated = data.LastUpdated
	sub.state.Metrics = metrics
	sub.state.Err = nil
	sub.state.Loading = false
}

// readyLocked records that the subscription has reached Ready and arms the
// next background refresh.
func (sub *Subscription) readyLocked() {
	sub.everReady = true
	sub.scheduleLocked()
}

func (sub *Subscription) scheduleLocked() {
	sub.stopTimerLocked()
	if !sub.alive || !sub.everReady || !sub.opts.EnableBackgroundRefresh || sub.opts.RefreshInterval <= 0 {
		return
	}
	sub.timer = sub.clock.AfterFunc(sub.opts.RefreshInterval, func() {
		go sub.backgroundRefresh()
	})
}

func (sub *Subscription) stopTimerLocked() {
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
}

func (sub *Subscription) snapshotLocked() Snapshot {
	snap := sub.state
	snap.Types = append([]models.EntityType(nil), sub.state.Types...)
	return snap
}

// emitLocked publishes the current state, dropping the oldest queued
// snapshot when the reader is behind.
func (sub *Subscription) emitLocked() {
	if !sub.alive {
		return
	}
	snap := sub.snapshotLocked()
	for {
		select {
		case sub.updates <- snap:
			return
		default:
		}
		select {
		case <-sub.updates:
		default:
		}
	}
}
