package service

import (
	"sync"

	"github.com/kjstillabower/entity-count-service/internal/models"
)

// stampedeTracker counts concurrent cache misses per scope. The coordinator
// already collapses them into one fan-out; the count feeds the stampede metric
// so dashboards show how much work coalescing absorbs.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[models.ScopeKey]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[models.ScopeKey]int)}
}

// Begin records a miss on scope and returns the number of misses now in progress.
// Callers must pair it with End.
func (st *stampedeTracker) Begin(scope models.ScopeKey) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active[scope]++
	return st.active[scope]
}

// End records that a miss on scope has settled.
func (st *stampedeTracker) End(scope models.ScopeKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if n := st.active[scope]; n > 1 {
		st.active[scope] = n - 1
	} else {
		delete(st.active, scope)
	}
}
