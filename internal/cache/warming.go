package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/observability"
)

// Prefetcher is implemented by the service layer to load counts for a scope
// into the store. Lets CacheWarmer avoid depending on the service package.
type Prefetcher interface {
	Prefetch(ctx context.Context, scope models.ScopeKey, types []models.EntityType) error
}

// WarmTarget is one scope to keep warm and the entity types to load for it.
type WarmTarget struct {
	Scope models.ScopeKey
	Types []models.EntityType
}

// CacheWarmer keeps a fixed set of scopes loaded in the count store.
type CacheWarmer struct {
	prefetcher Prefetcher
	logger     *zap.Logger
	clock      clockwork.Clock
}

// NewCacheWarmer creates a CacheWarmer. A nil logger disables logging and a
// nil clock uses the real clock.
func NewCacheWarmer(prefetcher Prefetcher, logger *zap.Logger, clock clockwork.Clock) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CacheWarmer{prefetcher: prefetcher, logger: logger, clock: clock}
}

// Warm prefetches every target concurrently. Failures are aggregated; one
// failing scope does not stop the others.
func (w *CacheWarmer) Warm(ctx context.Context, targets []WarmTarget) error {
	start := w.clock.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming count cache", zap.Int("scopes", len(targets)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target WarmTarget) {
			defer wg.Done()
			if err := w.prefetcher.Prefetch(ctx, target.Scope, target.Types); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("warm %s: %w", target.Scope, err))
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()

	duration := w.clock.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	failed := len(multierr.Errors(errs))
	w.logger.Info("count cache warming complete",
		zap.Int("scopes", len(targets)),
		zap.Int("errors", failed),
		zap.Float64("duration_seconds", duration))
	if errs != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then repeats every interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, targets []WarmTarget, interval time.Duration) error {
	if err := w.Warm(ctx, targets); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := w.Warm(ctx, targets); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
