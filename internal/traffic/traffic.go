package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRetention is how long outcomes are kept when NewTracker gets zero.
const DefaultRetention = 5 * time.Minute

// Tracker maintains sliding windows of request outcome timestamps. It feeds
// the overloaded (RequestCount, DenialCount) and degraded (ErrorRate) health
// checks. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	retention time.Duration
	successes []time.Time
	errors    []time.Time
	denials   []time.Time
}

// NewTracker returns a Tracker keeping outcomes for retention. A nil clock
// uses the real clock.
func NewTracker(clock clockwork.Clock, retention time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{clock: clock, retention: retention}
}

// RecordSuccess records a served count request.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successes)
}

// RecordError records a count request that failed on the data source.
func (t *Tracker) RecordError() {
	t.record(&t.errors)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.record(&t.denials)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns successes, errors and denials within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	return countSince(t.successes, cutoff) + countSince(t.errors, cutoff) + countSince(t.denials, cutoff)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denials, t.clock.Now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window. Denials are
// excluded from both.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	errors = countSince(t.errors, cutoff)
	return errors, errors + countSince(t.successes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes, t.errors, t.denials = nil, nil, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the retention period. Slices are
// append-only in time order, so pruning trims a prefix.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successes)
	prune(&t.errors)
	prune(&t.denials)
}
