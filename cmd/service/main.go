package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/entity-count-service/internal/batch"
	"github.com/kjstillabower/entity-count-service/internal/cache"
	"github.com/kjstillabower/entity-count-service/internal/circuitbreaker"
	"github.com/kjstillabower/entity-count-service/internal/client"
	"github.com/kjstillabower/entity-count-service/internal/config"
	httphandler "github.com/kjstillabower/entity-count-service/internal/http"
	"github.com/kjstillabower/entity-count-service/internal/lifecycle"
	"github.com/kjstillabower/entity-count-service/internal/observability"
	"github.com/kjstillabower/entity-count-service/internal/service"
	"github.com/kjstillabower/entity-count-service/internal/traffic"
)

const sourceComponent = "count_source"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	clock := clockwork.NewRealClock()
	life := lifecycle.New(clock)

	countsClient, err := client.New(client.Config{
		BaseURL:        cfg.SourceURL,
		APIKey:         cfg.SourceAPIKey,
		Timeout:        cfg.SourceTimeout,
		RecentLimit:    cfg.SourceRecentLimit,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("count source client", zap.Error(err))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        sourceComponent,
		Clock:            clock,
		IsFailure:        client.IsSourceFault,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
			observability.SetCircuitBreakerStateGauge(component, observability.CircuitBreakerStateValue(int(to)))
			logger.Warn("circuit breaker transition",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	countsClient.SetCircuitBreaker(breaker)
	observability.SetCircuitBreakerStateGauge(sourceComponent, 0)
	logger.Info("circuit breaker enabled",
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout))

	var source batch.Source = countsClient
	var sourceCache *cache.MemcachedSource
	switch cfg.SourceCacheBackend {
	case config.SourceCacheMemcached:
		sourceCache = cache.NewMemcachedSource(countsClient, cfg.MemcachedAddrs, cfg.SourceCacheTTL,
			cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, logger.Named("source_cache"))
		source = sourceCache
		logger.Info("source cache: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		logger.Info("source cache: none")
	}

	store := cache.NewStore(cfg.CacheTTL, clock)
	countService := service.NewCountService(source, store, service.Config{
		BatchWindow:          cfg.BatchWindow,
		StaleWhileRevalidate: cfg.StaleWhileRevalidate,
		Clock:                clock,
		Logger:               logger.Named("counts"),
	})

	tracker := traffic.NewTracker(clock, 0)
	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
	}
	if sourceCache != nil {
		healthConfig.SourceCachePing = sourceCache.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	handler := httphandler.NewHandler(httphandler.Deps{
		Counts:      countService,
		Source:      countsClient,
		Breaker:     breaker,
		Health:      healthConfig,
		Traffic:     tracker,
		Lifecycle:   life,
		EntityTypes: cfg.EntityTypes,
		Stream:      streamOptions(cfg),
		Logger:      logger,
		Clock:       clock,
	})
	inFlight := httphandler.NewInFlightTracker(clock)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Traffic:        tracker,
		InFlight:       inFlight,
	})

	observability.RegisterGaugeFuncs(
		store.Len,
		func() int { return tracker.RequestCount(cfg.OverloadWindow) },
		func() int { return tracker.DenialCount(cfg.OverloadWindow) },
	)
	if len(cfg.TrackedScopes) > 0 {
		observability.SetTrackedScopes(cfg.TrackedScopes)
	}

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if targets := warmTargets(cfg); cfg.WarmEnabled && len(targets) > 0 {
		warmer := cache.NewCacheWarmer(countService, logger.Named("warmer"), clock)
		initialCtx, initialCancel := context.WithTimeout(warmCtx, 30*time.Second)
		if err := warmer.Warm(initialCtx, targets); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		initialCancel()
		go func() {
			if err := warmer.WarmPeriodic(warmCtx, targets, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: count streams stay open. Non-stream routes are
		// bounded by the request timeout middleware.
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	life.BeginShutdown("signal")
	stopWarming()
	handler.CloseStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	remaining := inFlight.Count()
	logger.Info("waiting for in-flight requests", zap.Int64("count", remaining))
	observability.RecordShutdownInFlight(remaining)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := inFlight.WaitForZero(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	countService.Close()

	var closers []func() error
	if sourceCache != nil {
		closers = append(closers, sourceCache.Close)
	}
	if err := observability.FlushTelemetry(context.Background(), logger, closers...); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// warmTargets pairs every configured warm scope with the configured entity types.
func warmTargets(cfg *config.Config) []cache.WarmTarget {
	targets := make([]cache.WarmTarget, 0, len(cfg.WarmScopes))
	for _, scope := range cfg.WarmScopes {
		targets = append(targets, cache.WarmTarget{Scope: scope, Types: cfg.EntityTypes})
	}
	return targets
}

// streamOptions configures subscriptions behind the SSE route.
func streamOptions(cfg *config.Config) service.Options {
	opts := service.DefaultOptions()
	opts.EnableStaleWhileRevalidate = cfg.StaleWhileRevalidate
	opts.RefreshInterval = cfg.RefreshInterval
	return opts
}
