package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/entity-count-service/internal/cache"
	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/observability"
)

// DefaultWindow is how long a new unit collects interest before dispatch.
const DefaultWindow = 10 * time.Millisecond

var (
	// ErrClosed is returned by requests issued after Close.
	ErrClosed = errors.New("batch coordinator closed")
	// ErrIncompleteResult is wrapped when the source omits a requested type.
	ErrIncompleteResult = errors.New("source result is missing requested entity types")
)

// Source is the data-source capability the coordinator fans out to: counts
// and recent-entity summaries for exactly the given types, or an error.
type Source interface {
	FetchCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error)
}

// SinkFunc receives every successfully settled result before waiters are
// released, with the time its fetch was dispatched. Units of one scope may
// settle out of dispatch order. The count store's Merge is the usual sink.
type SinkFunc func(scope models.ScopeKey, data models.EntityCountData, fetchedAt time.Time)

// Config configures a Coordinator. Zero values select defaults: Window 0
// dispatches immediately, a nil Clock uses the real clock, a nil Logger
// disables logging.
type Config struct {
	Window time.Duration
	Clock  clockwork.Clock
	Logger *zap.Logger
	Sink   SinkFunc
}

// unit is one outstanding fetch for a scope, shared by every waiter whose
// types it covers. types may grow and fresh may be set only while the unit
// has not been dispatched. A fresh unit was requested by a fresh caller and
// bypasses source caches.
type unit struct {
	scope        models.ScopeKey
	types        []models.EntityType
	ctx          context.Context
	cancel       context.CancelFunc
	timer        clockwork.Timer
	dispatched   bool
	dispatchedAt time.Time
	split        bool
	fresh        bool
	waiters      int

	done   chan struct{}
	result models.EntityCountData
	err    error
}

// Coordinator guarantees at most one outstanding fetch per scope and type
// set, merging the entity-type interest of concurrent callers.
type Coordinator struct {
	source Source
	window time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
	sink   SinkFunc

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[models.ScopeKey][]*unit
	closed   bool
}

// New creates a Coordinator fanning out to source.
func New(source Source, cfg Config) *Coordinator {
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		source:   source,
		window:   cfg.Window,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		sink:     cfg.Sink,
		base:     base,
		stop:     stop,
		inFlight: make(map[models.ScopeKey][]*unit),
	}
}

// RequestCounts returns counts for types in scope, joining any in-flight
// work that already covers some of them.
func (c *Coordinator) RequestCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	return c.request(ctx, scope, types, false)
}

// RequestFreshCounts is RequestCounts restricted to fresh units: ones still
// collecting interest, or dispatched for an earlier fresh request and still
// running. Neither was answered before the call, and rapid repeated calls
// coalesce onto one fetch. Fresh units skip source caches.
func (c *Coordinator) RequestFreshCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	return c.request(ctx, scope, types, true)
}

func (c *Coordinator) request(ctx context.Context, scope models.ScopeKey, types []models.EntityType, fresh bool) (models.EntityCountData, error) {
	if scope.IsZero() {
		return models.EntityCountData{}, models.ErrInvalidScope
	}
	types = models.NormalizeTypes(types)
	if len(types) == 0 {
		return models.EntityCountData{}, models.ErrNoEntityTypes
	}

	start := c.clock.Now()
	units, coalesced, err := c.admit(ctx, scope, types, fresh)
	if err != nil {
		return models.EntityCountData{}, err
	}
	defer c.release(units)
	if coalesced {
		observability.CoalescedRequestsTotal.Inc()
	}

	for _, u := range units {
		select {
		case <-u.done:
		case <-ctx.Done():
			return models.EntityCountData{}, fmt.Errorf("wait for counts %s: %w", scope, ctx.Err())
		}
	}
	observability.BatchWaitSeconds.Observe(c.clock.Since(start).Seconds())

	for _, u := range units {
		if u.err != nil {
			return models.EntityCountData{}, u.err
		}
	}
	if len(units) == 1 {
		return units[0].result, nil
	}

	parts := make([]models.EntityCountData, len(units))
	for i, u := range units {
		parts[i] = u.result
	}
	return models.MergeCountData(parts...), nil
}

// admit attaches the caller to every unit it needs, creating or growing the
// collecting unit for types no usable dispatched unit covers. Fresh callers
// only use dispatched units that are fresh. Reports whether the caller joined
// work that already existed.
func (c *Coordinator) admit(ctx context.Context, scope models.ScopeKey, types []models.EntityType, fresh bool) ([]*unit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}

	remaining := make(map[models.EntityType]struct{}, len(types))
	for _, t := range types {
		remaining[t] = struct{}{}
	}

	var attached []*unit
	var pending *unit
	dispatchedCount := 0
	for _, u := range c.inFlight[scope] {
		if !u.dispatched {
			pending = u
			continue
		}
		dispatchedCount++
		if fresh && !u.fresh {
			continue
		}
		covered := false
		for _, t := range u.types {
			if _, ok := remaining[t]; ok {
				delete(remaining, t)
				covered = true
			}
		}
		if covered {
			attached = append(attached, u)
		}
	}
	coalesced := len(attached) > 0

	if len(remaining) > 0 {
		uncovered := make([]models.EntityType, 0, len(remaining))
		for t := range remaining {
			uncovered = append(uncovered, t)
		}
		if pending != nil {
			pending.types = models.UnionTypes(pending.types, uncovered)
			pending.fresh = pending.fresh || fresh
			coalesced = true
		} else {
			pending = c.newUnitLocked(ctx, scope, uncovered, dispatchedCount > 0, fresh)
		}
		attached = append(attached, pending)
	}

	for _, u := range attached {
		u.waiters++
	}
	return attached, coalesced, nil
}

// newUnitLocked registers a unit for scope and schedules its dispatch. The
// unit keeps the caller's context values but not its cancellation.
func (c *Coordinator) newUnitLocked(ctx context.Context, scope models.ScopeKey, types []models.EntityType, split, fresh bool) *unit {
	unitCtx, cancel := context.WithCancel(c.base)
	u := &unit{
		scope:  scope,
		types:  models.NormalizeTypes(types),
		ctx:    detachedContext{Context: unitCtx, values: ctx},
		cancel: cancel,
		split:  split,
		fresh:  fresh,
		done:   make(chan struct{}),
	}
	c.inFlight[scope] = append(c.inFlight[scope], u)
	observability.BatchUnitsInFlight.Inc()

	if c.window == 0 {
		types := c.markDispatchedLocked(u)
		c.wg.Add(1)
		go c.run(u, types)
		return u
	}
	u.timer = c.clock.AfterFunc(c.window, func() {
		go c.dispatch(u)
	})
	return u
}

func (c *Coordinator) markDispatchedLocked(u *unit) []models.EntityType {
	u.dispatched = true
	u.dispatchedAt = c.clock.Now()
	return append([]models.EntityType(nil), u.types...)
}

func (c *Coordinator) dispatch(u *unit) {
	c.mu.Lock()
	if u.dispatched || c.closed {
		c.mu.Unlock()
		return
	}
	types := c.markDispatchedLocked(u)
	c.wg.Add(1)
	c.mu.Unlock()
	c.run(u, types)
}

// run performs the fan-out for u and settles it. The sink sees the result
// before the unit leaves the in-flight table, and the table is updated
// before waiters are released.
func (c *Coordinator) run(u *unit, types []models.EntityType) {
	defer c.wg.Done()
	defer u.cancel()

	kind := "primary"
	if u.split {
		kind = "split"
	}
	observability.FanOutsTotal.WithLabelValues(kind).Inc()
	c.logger.Debug("dispatching count fan-out",
		zap.String("scope", u.scope.String()),
		zap.String("types", models.TypesSignature(types)),
		zap.String("kind", kind))

	ctx := u.ctx
	if u.fresh {
		ctx = cache.WithBypass(ctx)
	}
	data, err := c.source.FetchCounts(ctx, u.scope, types)
	if err == nil && !data.Covers(types) {
		err = ErrIncompleteResult
	}
	if err != nil {
		u.err = &models.SourceFetchError{Scope: u.scope, Types: types, Err: err}
		if !models.IsCancellation(err) {
			c.logger.Warn("count fan-out failed", zap.String("scope", u.scope.String()), zap.Error(err))
		}
	} else {
		u.result = data
		if c.sink != nil {
			c.sink(u.scope, data, u.dispatchedAt)
		}
	}

	c.settle(u)
}

func (c *Coordinator) settle(u *unit) {
	c.mu.Lock()
	units := c.inFlight[u.scope]
	for i, other := range units {
		if other == u {
			units = append(units[:i], units[i+1:]...)
			break
		}
	}
	if len(units) == 0 {
		delete(c.inFlight, u.scope)
	} else {
		c.inFlight[u.scope] = units
	}
	c.mu.Unlock()
	observability.BatchUnitsInFlight.Dec()
	close(u.done)
}

func (c *Coordinator) release(units []*unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range units {
		u.waiters--
	}
}

// Stats summarizes the in-flight table.
type Stats struct {
	Units   int
	Pending int
	Waiters int
}

// Stats returns in-flight counts across all scopes.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	for _, units := range c.inFlight {
		c.addStatsLocked(&s, units)
	}
	return s
}

// ScopeStats returns in-flight counts for one scope.
func (c *Coordinator) ScopeStats(scope models.ScopeKey) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	c.addStatsLocked(&s, c.inFlight[scope])
	return s
}

func (c *Coordinator) addStatsLocked(s *Stats, units []*unit) {
	for _, u := range units {
		s.Units++
		if !u.dispatched {
			s.Pending++
		}
		s.Waiters += u.waiters
	}
}

// Close cancels every unit, fails units that were still collecting interest
// and waits for running fetches to return. Later requests get ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var pending []*unit
	for _, units := range c.inFlight {
		for _, u := range units {
			if !u.dispatched {
				if u.timer != nil {
					u.timer.Stop()
				}
				u.dispatched = true
				pending = append(pending, u)
			}
		}
	}
	c.mu.Unlock()

	c.stop()
	for _, u := range pending {
		u.err = &models.SourceFetchError{Scope: u.scope, Types: u.types, Err: context.Canceled}
		u.cancel()
		c.settle(u)
	}
	c.wg.Wait()
}

// detachedContext carries the values of the request that created a unit
// while taking cancellation from the coordinator.
type detachedContext struct {
	context.Context
	values context.Context
}

func (d detachedContext) Value(key any) any {
	return d.values.Value(key)
}
