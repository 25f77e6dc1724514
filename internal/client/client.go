package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kjstillabower/entity-count-service/internal/circuitbreaker"
	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/observability"
)

// CountSource is the data-source capability: counts and recent-entity
// summaries for exactly the requested types.
type CountSource interface {
	FetchCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error)
	Ping(ctx context.Context) error
}

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrScopeNotFound = errors.New("scope not found")
	ErrSourceFailure = errors.New("count source failure")
	ErrRateLimited   = errors.New("rate limited")
)

// DefaultRecentLimit caps recent-entity lists when Config.RecentLimit is unset.
const DefaultRecentLimit = 5

// Config configures a CountsClient. Zero retry values select defaults.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RecentLimit    int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// CountsClient reads entity counts from the campaign data API.
type CountsClient struct {
	baseURL        *url.URL
	apiKey         string
	timeout        time.Duration
	recentLimit    int
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	now            func() time.Time
}

// New validates cfg and returns a client.
func New(cfg Config) (*CountsClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid source URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = DefaultRecentLimit
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	return &CountsClient{
		baseURL:        base,
		apiKey:         cfg.APIKey,
		timeout:        cfg.Timeout,
		recentLimit:    cfg.RecentLimit,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		client:         &http.Client{Timeout: cfg.Timeout},
		now:            time.Now,
	}, nil
}

// SetCircuitBreaker guards every FetchCounts call (retries included) with cb.
func (c *CountsClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type countsResponse struct {
	Counts     map[string]int            `json:"counts"`
	Recent     map[string][]recentEntity `json:"recent"`
	ComputedAt time.Time                 `json:"computedAt"`
}

type recentEntity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// FetchCounts returns counts for exactly types in scope. Types the source
// omits count zero; types it adds are dropped.
func (c *CountsClient) FetchCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	types = models.NormalizeTypes(types)
	var data models.EntityCountData
	call := func(ctx context.Context) error {
		var err error
		data, err = c.fetchWithRetry(ctx, scope, types)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return models.EntityCountData{}, err
	}
	return data, nil
}

func (c *CountsClient) fetchWithRetry(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.SourceRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return models.EntityCountData{}, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		result, err := c.callAPI(ctx, scope, types)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || !c.isRetryable(err) {
			return models.EntityCountData{}, err
		}
	}
	return models.EntityCountData{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *CountsClient) callAPI(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, scope, types)
	if err != nil {
		observability.SourceCallsTotal.WithLabelValues("error").Inc()
		return models.EntityCountData{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.SourceCallsTotal.WithLabelValues("error").Inc()
		observability.SourceDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.Canceled) {
			return models.EntityCountData{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.EntityCountData{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.EntityCountData{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.SourceCallsTotal.WithLabelValues(status).Inc()
	observability.SourceDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp, scope); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.EntityCountData{}, err
	}

	var apiResp countsResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return models.EntityCountData{}, fmt.Errorf("parse response: %w", err)
	}
	return c.mapResponse(apiResp, scope, types), nil
}

func (c *CountsClient) buildRequest(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (*http.Request, error) {
	u := c.baseURL.JoinPath(string(scope.Type)+"s", scope.ID, "entity-counts")
	params := url.Values{}
	params.Set("types", models.TypesSignature(types))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if id := observability.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

func (c *CountsClient) isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrSourceFailure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "http request failed")
}

func (c *CountsClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response, scope models.ScopeKey) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrSourceFailure, resp.StatusCode)
	}
	return nil
}

// mapResponse shapes the wire response into exactly the requested types,
// newest recent entities first, at most recentLimit per type.
func (c *CountsClient) mapResponse(apiResp countsResponse, scope models.ScopeKey, types []models.EntityType) models.EntityCountData {
	data := models.EntityCountData{
		Counts:         make(map[models.EntityType]int, len(types)),
		RecentEntities: make(map[models.EntityType][]models.EntitySummary, len(types)),
		LastUpdated:    apiResp.ComputedAt,
		ScopeType:      scope.Type,
		ScopeID:        scope.ID,
	}
	if data.LastUpdated.IsZero() {
		data.LastUpdated = c.now()
	}
	for _, t := range types {
		data.Counts[t] = apiResp.Counts[string(t)]

		raw := apiResp.Recent[string(t)]
		recent := make([]models.EntitySummary, 0, len(raw))
		for _, r := range raw {
			recent = append(recent, models.EntitySummary{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt})
		}
		sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
		if len(recent) > c.recentLimit {
			recent = recent[:c.recentLimit]
		}
		data.RecentEntities[t] = recent
	}
	return data
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// Ping checks that the source is reachable and accepts the API key.
func (c *CountsClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL.JoinPath("health")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: API key rejected", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping HTTP %d", ErrSourceFailure, resp.StatusCode)
	}
	return nil
}

// IsSourceFault reports whether err reflects source unavailability rather
// than a rejected request. Used as the circuit breaker failure predicate.
func IsSourceFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrScopeNotFound) && !errors.Is(err, ErrInvalidAPIKey)
}
