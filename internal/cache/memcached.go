package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/observability"
)

const (
	keyPrefix = "counts:"
	// maxKeyLength is the memcached protocol limit.
	maxKeyLength = 250
	// maxRelativeExp is the largest expiration memcached treats as relative.
	maxRelativeExp = 30 * 24 * 60 * 60
)

// CountSource is the data-source capability decorated by MemcachedSource.
type CountSource interface {
	FetchCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error)
}

type bypassKey struct{}

// WithBypass marks ctx so source caches skip their read and only store the
// result. Fetches that must not return data older than their dispatch use it.
func WithBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

// Bypassed reports whether ctx was marked by WithBypass.
func Bypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// memcacheClient is the subset of *memcache.Client used here.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Ping() error
	Close() error
}

// MemcachedSource caches data-source responses in memcached so several
// service instances share recent fan-out results. It sits below the batch
// coordinator; the per-process count store is unaffected. Memcached errors
// degrade to calling the wrapped source.
type MemcachedSource struct {
	next   CountSource
	client memcacheClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewMemcachedSource wraps next. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns use package defaults if zero.
func NewMemcachedSource(next CountSource, addrs string, ttl, timeout time.Duration, maxIdleConns int, logger *zap.Logger) *MemcachedSource {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return newMemcachedSource(next, client, ttl, logger)
}

func newMemcachedSource(next CountSource, client memcacheClient, ttl time.Duration, logger *zap.Logger) *MemcachedSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemcachedSource{next: next, client: client, ttl: ttl, logger: logger}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// cacheKey identifies one (scope, type set) response. ok is false when the
// key would exceed the protocol limit.
func cacheKey(scope models.ScopeKey, types []models.EntityType) (string, bool) {
	k := keyPrefix + scope.String() + ":" + models.TypesSignature(types)
	return k, len(k) <= maxKeyLength
}

// FetchCounts returns a shared cached response for exactly this type set, or
// calls the wrapped source and stores its result. Bypassed contexts always
// reach the wrapped source.
func (m *MemcachedSource) FetchCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	if err := ctx.Err(); err != nil {
		return models.EntityCountData{}, err
	}
	key, cacheable := cacheKey(scope, types)
	if !cacheable {
		return m.next.FetchCounts(ctx, scope, types)
	}

	if !Bypassed(ctx) {
		if data, ok := m.get(key); ok {
			return data, nil
		}
	}
	data, err := m.next.FetchCounts(ctx, scope, types)
	if err != nil {
		return models.EntityCountData{}, err
	}
	m.set(key, data)
	return data, nil
}

func (m *MemcachedSource) get(key string) (models.EntityCountData, bool) {
	item, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			observability.SourceCacheLookupsTotal.WithLabelValues("miss").Inc()
		} else {
			observability.SourceCacheLookupsTotal.WithLabelValues("error").Inc()
			m.logger.Warn("memcached get failed", zap.String("key", key), zap.Error(err))
		}
		return models.EntityCountData{}, false
	}
	var data models.EntityCountData
	if err := json.Unmarshal(item.Value, &data); err != nil {
		observability.SourceCacheLookupsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("memcached value unreadable", zap.String("key", key), zap.Error(err))
		return models.EntityCountData{}, false
	}
	observability.SourceCacheLookupsTotal.WithLabelValues("hit").Inc()
	return data, true
}

func (m *MemcachedSource) set(key string, data models.EntityCountData) {
	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn("memcached encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	expSec := int32(m.ttl.Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 60
	}
	if err := m.client.Set(&memcache.Item{Key: key, Value: raw, Expiration: expSec}); err != nil {
		m.logger.Warn("memcached set failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping checks if memcached is reachable. Used for health checks.
func (m *MemcachedSource) Ping() error {
	return m.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (m *MemcachedSource) Close() error {
	return m.client.Close()
}
