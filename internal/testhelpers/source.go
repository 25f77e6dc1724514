// Package testhelpers holds fakes shared by package tests.
package testhelpers

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/entity-count-service/internal/models"
)

// SourceCall records one FetchCounts invocation.
type SourceCall struct {
	Scope models.ScopeKey
	Types []models.EntityType
}

// FakeSource is a scripted count data source. Counts are looked up per type
// in Counts (missing types count 0). When Gate is non-nil every call blocks
// until a value is sent on it or the call context is done.
type FakeSource struct {
	mu     sync.Mutex
	calls  []SourceCall
	counts map[models.EntityType]int
	err    error

	Gate    chan struct{}
	Started chan SourceCall
	Now     func() time.Time
}

// NewFakeSource returns a FakeSource answering with counts.
func NewFakeSource(counts map[models.EntityType]int) *FakeSource {
	c := make(map[models.EntityType]int, len(counts))
	for t, n := range counts {
		c[t] = n
	}
	return &FakeSource{counts: c, Started: make(chan SourceCall, 64)}
}

// SetCount changes the count reported for t by later calls.
func (f *FakeSource) SetCount(t models.EntityType, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[t] = n
}

// SetError makes later calls fail with err (nil restores success).
func (f *FakeSource) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns a copy of the call log.
func (f *FakeSource) Calls() []SourceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SourceCall(nil), f.calls...)
}

// CallCount returns the number of FetchCounts invocations so far.
func (f *FakeSource) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// FetchCounts implements the data source capability.
func (f *FakeSource) FetchCounts(ctx context.Context, scope models.ScopeKey, types []models.EntityType) (models.EntityCountData, error) {
	call := SourceCall{Scope: scope, Types: models.NormalizeTypes(types)}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	select {
	case f.Started <- call:
	default:
	}

	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return models.EntityCountData{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.EntityCountData{}, f.err
	}
	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	data := models.EntityCountData{
		Counts:         make(map[models.EntityType]int, len(types)),
		RecentEntities: make(map[models.EntityType][]models.EntitySummary, len(types)),
		LastUpdated:    now,
		ScopeType:      scope.Type,
		ScopeID:        scope.ID,
	}
	for _, t := range call.Types {
		data.Counts[t] = f.counts[t]
		data.RecentEntities[t] = []models.EntitySummary{}
	}
	return data, nil
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
