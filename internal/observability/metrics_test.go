package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across client, http, batch, service and cache packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/scopes/{scopeType}/{scopeId}/counts", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/scopes/{scopeType}/{scopeId}/counts").Observe(0.01)
	SourceCallsTotal.WithLabelValues("success").Inc()
	SourceDuration.WithLabelValues("server_error").Observe(0.1)
	CountLookupsTotal.WithLabelValues("stale").Inc()
	CountLookupErrorsTotal.WithLabelValues("timeout").Inc()
	CacheInvalidationsTotal.WithLabelValues("scope").Inc()
	FanOutsTotal.WithLabelValues("split").Inc()
	CacheStampedeDetectedTotal.WithLabelValues("other").Inc()
	BackgroundRefreshesTotal.WithLabelValues("error").Inc()
	SourceCacheLookupsTotal.WithLabelValues("hit").Inc()
	SetCircuitBreakerStateGauge("count_source", CircuitBreakerStateValue(1))
	RecordCircuitBreakerTransition("count_source", "closed", "open")
	RecordShutdownInFlight(3)
}

// TestSetTrackedScopes_MetricScopeLabel verifies that tracked scopes keep their
// label and everything else collapses to "other".
func TestSetTrackedScopes_MetricScopeLabel(t *testing.T) {
	SetTrackedScopes([]string{"world:w1", " campaign:c1 "})
	defer SetTrackedScopes(nil)

	tests := []struct {
		scope string
		want  string
	}{
		{"world:w1", "world:w1"},
		{"campaign:c1", "campaign:c1"},
		{"world:w2", "other"},
	}
	for _, tc := range tests {
		if got := MetricScopeLabel(tc.scope); got != tc.want {
			t.Errorf("MetricScopeLabel(%q) = %q, want %q", tc.scope, got, tc.want)
		}
	}
	RecordLookup("world:w1", "cache")
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	RegisterGaugeFuncs(func() int { return 2 }, func() int { return 0 }, func() int { return 0 })
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "cacheEntries 2"} {
		if !strings.Contains(body, name) {
			t.Errorf("MetricsHandler response missing %q", name)
		}
	}
}
