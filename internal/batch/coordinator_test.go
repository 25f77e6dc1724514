package batch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/entity-count-service/internal/cache"
	"github.com/kjstillabower/entity-count-service/internal/models"
	"github.com/kjstillabower/entity-count-service/internal/testhelpers"
)

var (
	worldW1 = models.ScopeKey{Type: models.ScopeWorld, ID: "w1"}

	character = models.EntityCharacter
	location  = models.EntityLocation
	item      = models.EntityItem
)

func types(ts ...models.EntityType) []models.EntityType { return ts }

func waitOrFail(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if !testhelpers.WaitFor(2*time.Second, cond) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

// TestCoordinator_RequestCounts_ConcurrentRequests verifies that N callers
// arriving inside the batch window share one fan-out and the identical value.
func TestCoordinator_RequestCounts_ConcurrentRequests(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 3})
	c := New(src, Config{Window: DefaultWindow, Clock: clock})
	defer c.Close()

	const n = 10
	var wg sync.WaitGroup
	results := make([]models.EntityCountData, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = c.RequestCounts(context.Background(), worldW1, types(character))
		}(i)
	}
	waitOrFail(t, "all waiters attached", func() bool { return c.ScopeStats(worldW1).Waiters == n })
	clock.Advance(DefaultWindow)
	wg.Wait()

	if got := src.CallCount(); got != 1 {
		t.Fatalf("source call count = %d, want 1 (coalescing failed)", got)
	}
	first := reflect.ValueOf(results[0].Counts).Pointer()
	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v, want nil", i, errs[i])
		}
		if results[i].Counts[character] != 3 {
			t.Errorf("request %d counts[character] = %d, want 3", i, results[i].Counts[character])
		}
		if reflect.ValueOf(results[i].Counts).Pointer() != first {
			t.Errorf("request %d received a different result value", i)
		}
	}
	if s := c.Stats(); s.Units != 0 || s.Waiters != 0 {
		t.Errorf("Stats() after settlement = %+v, want empty", s)
	}
}

// TestCoordinator_TwoTilesMergeTypes covers the cold-cache dashboard scenario:
// overlapping type sets requested before dispatch produce one call for the union.
func TestCoordinator_TwoTilesMergeTypes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 7, location: 2, item: 9})
	c := New(src, Config{Window: DefaultWindow, Clock: clock})
	defer c.Close()

	var wg sync.WaitGroup
	var tileA, tileB models.EntityCountData
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		tileA, errA = c.RequestCounts(context.Background(), worldW1, types(character, location))
	}()
	go func() {
		defer wg.Done()
		tileB, errB = c.RequestCounts(context.Background(), worldW1, types(character, item))
	}()
	waitOrFail(t, "both tiles attached", func() bool { return c.ScopeStats(worldW1).Waiters == 2 })
	clock.Advance(DefaultWindow)
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("errors = %v, %v, want nil", errA, errB)
	}
	calls := src.Calls()
	if len(calls) != 1 {
		t.Fatalf("source calls = %d, want 1", len(calls))
	}
	if want := types(character, item, location); !reflect.DeepEqual(calls[0].Types, want) {
		t.Errorf("fan-out types = %v, want %v", calls[0].Types, want)
	}
	if tileA.Counts[character] != tileB.Counts[character] {
		t.Errorf("tiles disagree on character count: %d vs %d", tileA.Counts[character], tileB.Counts[character])
	}
}

// TestCoordinator_MidFlightTypesSplitIntoSecondUnit verifies that types added
// after dispatch form a separate unit, while covered types resolve from the first.
func TestCoordinator_MidFlightTypesSplitIntoSecondUnit(t *testing.T) {
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 1, location: 2, item: 3})
	src.Gate = make(chan struct{})
	c := New(src, Config{})
	defer c.Close()

	var wg sync.WaitGroup
	var first, second models.EntityCountData
	var errFirst, errSecond error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, errFirst = c.RequestCounts(context.Background(), worldW1, types(character, location))
	}()
	<-src.Started

	wg.Add(1)
	go func() {
		defer wg.Done()
		second, errSecond = c.RequestCounts(context.Background(), worldW1, types(character, item))
	}()
	waitOrFail(t, "second unit dispatched", func() bool { return src.CallCount() == 2 })
	close(src.Gate)
	wg.Wait()

	if errFirst != nil || errSecond != nil {
		t.Fatalf("errors = %v, %v", errFirst, errSecond)
	}
	calls := src.Calls()
	if want := types(item); !reflect.DeepEqual(calls[1].Types, want) {
		t.Errorf("second fan-out types = %v, want %v", calls[1].Types, want)
	}
	if len(first.Counts) != 2 {
		t.Errorf("first caller counts = %v, want character and location only", first.Counts)
	}
	if second.Counts[character] != 1 || second.Counts[item] != 3 {
		t.Errorf("second caller counts = %v, want merged character=1 item=3", second.Counts)
	}
}

// TestCoordinator_RequestCounts_ErrorPropagation verifies that every waiter of
// a failed unit gets the same error and that the failure is not remembered.
func TestCoordinator_RequestCounts_ErrorPropagation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wantErr := errors.New("backend down")
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 4})
	src.SetError(wantErr)
	var sinkCalls int
	c := New(src, Config{Window: DefaultWindow, Clock: clock, Sink: func(models.ScopeKey, models.EntityCountData, time.Time) { sinkCalls++ }})
	defer c.Close()

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = c.RequestCounts(context.Background(), worldW1, types(character))
		}(i)
	}
	waitOrFail(t, "waiters attached", func() bool { return c.ScopeStats(worldW1).Waiters == n })
	clock.Advance(DefaultWindow)
	wg.Wait()

	for i, err := range errs {
		var fetchErr *models.SourceFetchError
		if !errors.As(err, &fetchErr) {
			t.Fatalf("request %d error = %v, want *SourceFetchError", i, err)
		}
		if !errors.Is(err, wantErr) {
			t.Errorf("request %d error = %v, want wrapping %v", i, err, wantErr)
		}
		if err != errs[0] {
			t.Errorf("request %d received a different error value", i)
		}
	}
	if sinkCalls != 0 {
		t.Errorf("sink called %d times after failure, want 0", sinkCalls)
	}

	src.SetError(nil)
	done := make(chan error, 1)
	go func() {
		_, err := c.RequestCounts(context.Background(), worldW1, types(character))
		done <- err
	}()
	waitOrFail(t, "retry attached", func() bool { return c.ScopeStats(worldW1).Waiters == 1 })
	clock.Advance(DefaultWindow)
	if err := <-done; err != nil {
		t.Fatalf("retry error = %v, want nil", err)
	}
	if got := src.CallCount(); got != 2 {
		t.Errorf("source call count = %d, want 2 (fresh attempt after failure)", got)
	}
}

// TestCoordinator_CallerCancellationDoesNotAbortUnit verifies that a waiter
// can stop waiting while the shared fetch still settles into the sink.
func TestCoordinator_CallerCancellationDoesNotAbortUnit(t *testing.T) {
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 2})
	src.Gate = make(chan struct{})
	sunk := make(chan models.EntityCountData, 1)
	c := New(src, Config{Sink: func(_ models.ScopeKey, d models.EntityCountData, _ time.Time) { sunk <- d }})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RequestCounts(ctx, worldW1, types(character))
		done <- err
	}()
	<-src.Started
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RequestCounts() error = %v, want context.Canceled", err)
	}
	if !models.IsCancellation(err) {
		t.Error("IsCancellation() = false for cancelled wait")
	}

	close(src.Gate)
	select {
	case d := <-sunk:
		if d.Counts[character] != 2 {
			t.Errorf("sink counts[character] = %d, want 2", d.Counts[character])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not settle after caller cancelled")
	}
}

func TestCoordinator_DifferentScopesDoNotCoalesce(t *testing.T) {
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 1})
	c := New(src, Config{})
	defer c.Close()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(scope models.ScopeKey) {
			defer wg.Done()
			_, _ = c.RequestCounts(context.Background(), scope, types(character))
		}(models.ScopeKey{Type: models.ScopeCampaign, ID: id})
	}
	wg.Wait()

	if got := src.CallCount(); got != 3 {
		t.Errorf("source call count = %d, want 3 (no coalescing across scopes)", got)
	}
}

// TestCoordinator_ConsumerMisuse verifies that invalid inputs fail locally.
func TestCoordinator_ConsumerMisuse(t *testing.T) {
	src := testhelpers.NewFakeSource(nil)
	c := New(src, Config{})
	defer c.Close()

	tests := []struct {
		name  string
		scope models.ScopeKey
		types []models.EntityType
		want  error
	}{
		{"empty scope id", models.ScopeKey{Type: models.ScopeWorld}, types(character), models.ErrInvalidScope},
		{"empty scope type", models.ScopeKey{ID: "w1"}, types(character), models.ErrInvalidScope},
		{"no types", worldW1, nil, models.ErrNoEntityTypes},
		{"only empty type", worldW1, types(""), models.ErrNoEntityTypes},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.RequestCounts(context.Background(), tc.scope, tc.types)
			if !errors.Is(err, tc.want) {
				t.Errorf("RequestCounts() error = %v, want %v", err, tc.want)
			}
			if !models.IsConsumerMisuse(err) {
				t.Errorf("IsConsumerMisuse(%v) = false", err)
			}
		})
	}
	if got := src.CallCount(); got != 0 {
		t.Errorf("source called %d times for invalid input, want 0", got)
	}
}

// TestCoordinator_RequestFreshCounts_SkipsPlainUnits verifies that a fresh
// request never joins a running unit that no fresh request asked for.
func TestCoordinator_RequestFreshCounts_SkipsPlainUnits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 1})
	src.Gate = make(chan struct{})
	c := New(src, Config{Clock: clock})
	defer c.Close()

	go func() { _, _ = c.RequestCounts(context.Background(), worldW1, types(character)) }()
	<-src.Started

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestFreshCounts(context.Background(), worldW1, types(character))
		done <- err
	}()
	waitOrFail(t, "fresh unit dispatched", func() bool { return src.CallCount() == 2 })
	close(src.Gate)
	if err := <-done; err != nil {
		t.Fatalf("RequestFreshCounts() error = %v", err)
	}
}

// TestCoordinator_RequestFreshCounts_JoinsRunningFreshUnit verifies that a
// fresh request arriving after an earlier fresh unit was dispatched shares it.
func TestCoordinator_RequestFreshCounts_JoinsRunningFreshUnit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 5})
	src.Gate = make(chan struct{})
	c := New(src, Config{Clock: clock})
	defer c.Close()

	results := make(chan models.EntityCountData, 2)
	fresh := func() {
		data, err := c.RequestFreshCounts(context.Background(), worldW1, types(character))
		if err != nil {
			t.Errorf("RequestFreshCounts() error = %v", err)
		}
		results <- data
	}
	go fresh()
	<-src.Started

	clock.Advance(time.Millisecond)
	go fresh()
	waitOrFail(t, "second fresh request attached", func() bool { return c.ScopeStats(worldW1).Waiters == 2 })
	close(src.Gate)

	a, b := <-results, <-results
	if got := src.CallCount(); got != 1 {
		t.Errorf("source call count = %d, want 1", got)
	}
	if reflect.ValueOf(a.Counts).Pointer() != reflect.ValueOf(b.Counts).Pointer() {
		t.Error("fresh requests received different result values")
	}
}

type bypassRecorder struct {
	*testhelpers.FakeSource
	mu       sync.Mutex
	bypassed []bool
}

func (r *bypassRecorder) FetchCounts(ctx context.Context, scope models.ScopeKey, ts []models.EntityType) (models.EntityCountData, error) {
	r.mu.Lock()
	r.bypassed = append(r.bypassed, cache.Bypassed(ctx))
	r.mu.Unlock()
	return r.FakeSource.FetchCounts(ctx, scope, ts)
}

func (r *bypassRecorder) last() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bypassed[len(r.bypassed)-1]
}

// TestCoordinator_FreshUnitsBypassSourceCache verifies that only units some
// fresh request attached to are marked to skip source caches.
func TestCoordinator_FreshUnitsBypassSourceCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &bypassRecorder{FakeSource: testhelpers.NewFakeSource(map[models.EntityType]int{character: 1})}
	c := New(src, Config{Window: DefaultWindow, Clock: clock})
	defer c.Close()
	ctx := context.Background()

	run := func(requests ...func() error) {
		t.Helper()
		errs := make(chan error, len(requests))
		for _, r := range requests {
			go func(r func() error) { errs <- r() }(r)
		}
		waitOrFail(t, "requests attached", func() bool { return c.ScopeStats(worldW1).Waiters == len(requests) })
		clock.Advance(DefaultWindow)
		for range requests {
			if err := <-errs; err != nil {
				t.Fatalf("request error = %v", err)
			}
		}
	}
	plain := func() error {
		_, err := c.RequestCounts(ctx, worldW1, types(character))
		return err
	}
	fresh := func() error {
		_, err := c.RequestFreshCounts(ctx, worldW1, types(character))
		return err
	}

	run(plain)
	if src.last() {
		t.Error("plain unit bypassed source cache")
	}
	run(fresh)
	if !src.last() {
		t.Error("fresh unit did not bypass source cache")
	}
	run(plain, fresh)
	if !src.last() {
		t.Error("collecting unit joined by a fresh request did not bypass source cache")
	}
	if got := src.CallCount(); got != 3 {
		t.Errorf("source call count = %d, want 3", got)
	}
}

// TestCoordinator_SinkReceivesDispatchTime verifies that each unit reports
// its own dispatch time, so a store can order results that settle late.
func TestCoordinator_SinkReceivesDispatchTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 1})
	src.Gate = make(chan struct{})
	var mu sync.Mutex
	var fetchedAt []time.Time
	c := New(src, Config{Clock: clock, Sink: func(_ models.ScopeKey, _ models.EntityCountData, at time.Time) {
		mu.Lock()
		fetchedAt = append(fetchedAt, at)
		mu.Unlock()
	}})
	defer c.Close()

	t0 := clock.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.RequestCounts(context.Background(), worldW1, types(character))
	}()
	<-src.Started
	clock.Advance(time.Second)
	go func() {
		defer wg.Done()
		_, _ = c.RequestFreshCounts(context.Background(), worldW1, types(character))
	}()
	<-src.Started
	close(src.Gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(fetchedAt) != 2 {
		t.Fatalf("sink calls = %d, want 2", len(fetchedAt))
	}
	seen := map[time.Time]bool{fetchedAt[0]: true, fetchedAt[1]: true}
	if !seen[t0] || !seen[t0.Add(time.Second)] {
		t.Errorf("sink dispatch times = %v, want %v and %v", fetchedAt, t0, t0.Add(time.Second))
	}
}

func TestCoordinator_IncompleteSourceResult(t *testing.T) {
	c := New(incompleteSource{}, Config{})
	defer c.Close()

	_, err := c.RequestCounts(context.Background(), worldW1, types(character, item))
	if !errors.Is(err, ErrIncompleteResult) {
		t.Fatalf("RequestCounts() error = %v, want ErrIncompleteResult", err)
	}
}

// TestCoordinator_Close fails collecting units and rejects later requests.
func TestCoordinator_Close(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := testhelpers.NewFakeSource(map[models.EntityType]int{character: 1})
	c := New(src, Config{Window: time.Minute, Clock: clock})

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestCounts(context.Background(), worldW1, types(character))
		done <- err
	}()
	waitOrFail(t, "pending unit", func() bool { return c.ScopeStats(worldW1).Pending == 1 })
	c.Close()

	if err := <-done; !models.IsCancellation(err) {
		t.Errorf("pending request error = %v, want cancellation", err)
	}
	if _, err := c.RequestCounts(context.Background(), worldW1, types(character)); !errors.Is(err, ErrClosed) {
		t.Errorf("RequestCounts() after Close error = %v, want ErrClosed", err)
	}
	if src.CallCount() != 0 {
		t.Errorf("source called %d times, want 0", src.CallCount())
	}
}

type incompleteSource struct{}

func (incompleteSource) FetchCounts(_ context.Context, scope models.ScopeKey, _ []models.EntityType) (models.EntityCountData, error) {
	return models.EntityCountData{
		Counts:    map[models.EntityType]int{models.EntityCharacter: 1},
		ScopeType: scope.Type,
		ScopeID:   scope.ID,
	}, nil
}
