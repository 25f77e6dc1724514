package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"github.com/kjstillabower/entity-count-service/internal/models"
)

type mockPrefetcher struct {
	mu    sync.Mutex
	calls []models.ScopeKey
	fail  map[models.ScopeKey]error
}

func (m *mockPrefetcher) Prefetch(ctx context.Context, scope models.ScopeKey, types []models.EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, scope)
	return m.fail[scope]
}

func (m *mockPrefetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var (
	campaignC1 = models.ScopeKey{Type: models.ScopeCampaign, ID: "c1"}
	targets    = []WarmTarget{
		{Scope: worldW1, Types: []models.EntityType{models.EntityCharacter}},
		{Scope: campaignC1, Types: []models.EntityType{models.EntitySession, models.EntityEvent}},
	}
)

func TestCacheWarmer_Warm_Success(t *testing.T) {
	p := &mockPrefetcher{}
	warmer := NewCacheWarmer(p, nil, nil)

	if err := warmer.Warm(context.Background(), targets); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if got := p.callCount(); got != 2 {
		t.Errorf("prefetch calls = %d, want 2", got)
	}
}

func TestCacheWarmer_Warm_EmptyTargets(t *testing.T) {
	warmer := NewCacheWarmer(&mockPrefetcher{}, nil, nil)
	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm() with nil targets error = %v, want nil", err)
	}
}

func TestCacheWarmer_Warm_AggregatesErrors(t *testing.T) {
	down := errors.New("source down")
	p := &mockPrefetcher{fail: map[models.ScopeKey]error{worldW1: down, campaignC1: down}}
	warmer := NewCacheWarmer(p, nil, nil)

	err := warmer.Warm(context.Background(), targets)
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if !errors.Is(err, down) {
		t.Errorf("Warm() error = %v, want wrapping source error", err)
	}
	if n := len(multierr.Errors(errors.Unwrap(err))); n != 2 {
		t.Errorf("aggregated errors = %d, want 2", n)
	}
	for _, scope := range []string{"world:w1", "campaign:c1"} {
		if !strings.Contains(err.Error(), scope) {
			t.Errorf("error %q does not name %s", err, scope)
		}
	}
}

func TestCacheWarmer_WarmPeriodic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := &mockPrefetcher{}
	warmer := NewCacheWarmer(p, nil, clock)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- warmer.WarmPeriodic(ctx, targets[:1], time.Minute) }()

	waitFor(t, func() bool { return p.callCount() == 1 })
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker not registered: %v", err)
	}
	clock.Advance(time.Minute)
	waitFor(t, func() bool { return p.callCount() == 2 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WarmPeriodic returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WarmPeriodic did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}
