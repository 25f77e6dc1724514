package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/entity-count-service/internal/models"
)

// DefaultTTL is used when a Store is constructed with a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// Entry wraps a count snapshot with local insertion and expiry times.
// FetchedAt is when the fetch behind the oldest part of Data was dispatched.
type Entry struct {
	Data      models.EntityCountData
	CachedAt  time.Time
	ExpiresAt time.Time
	FetchedAt time.Time
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Covers reports whether the entry holds counts for every type in types.
func (e Entry) Covers(types []models.EntityType) bool {
	return e.Data.Covers(types)
}

// Store holds the most recent count snapshot per scope. It performs no I/O
// and cannot fail. Expired entries are kept as stale data until they are
// replaced or invalidated. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[models.ScopeKey]Entry
	ttl     time.Duration
	clock   clockwork.Clock
}

// NewStore creates a Store. A non-positive ttl falls back to DefaultTTL and a
// nil clock to the real clock.
func NewStore(ttl time.Duration, clock clockwork.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		entries: make(map[models.ScopeKey]Entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the entry for scope whether or not it has expired.
func (s *Store) Get(scope models.ScopeKey) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[scope]
	return e, ok
}

// Set replaces the entry for scope and returns it. ExpiresAt is always
// recomputed from the store TTL.
func (s *Store) Set(scope models.ScopeKey, data models.EntityCountData) Entry {
	now := s.clock.Now()
	e := s.newEntry(data, now, now)
	s.mu.Lock()
	s.entries[scope] = e
	s.mu.Unlock()
	return e
}

// Merge folds a result whose fetch was dispatched at fetchedAt into the entry
// for scope and reports whether the entry changed.
//
// A result covering every type of the current entry replaces it when it is
// at least as recent, and is dropped otherwise. A narrower result is merged
// in: the more recent side wins overlapping types, and the entry keeps its
// expiry, since it is only as fresh as its oldest part.
func (s *Store) Merge(scope models.ScopeKey, data models.EntityCountData, fetchedAt time.Time) (Entry, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[scope]
	if !ok {
		e := s.newEntry(data, now, fetchedAt)
		s.entries[scope] = e
		return e, true
	}
	older := fetchedAt.Before(cur.FetchedAt)
	if data.Covers(cur.Data.Types()) {
		if older {
			return cur, false
		}
		e := s.newEntry(data, now, fetchedAt)
		s.entries[scope] = e
		return e, true
	}
	if older {
		if cur.Covers(data.Types()) {
			return cur, false
		}
		cur.Data = models.MergeCountData(data, cur.Data)
		cur.FetchedAt = fetchedAt
	} else {
		cur.Data = models.MergeCountData(cur.Data, data)
	}
	s.entries[scope] = cur
	return cur, true
}

func (s *Store) newEntry(data models.EntityCountData, now, fetchedAt time.Time) Entry {
	return Entry{
		Data:      data,
		CachedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		FetchedAt: fetchedAt,
	}
}

// Invalidate removes the entry for scope. Entity types are accepted for
// symmetry with the rest of the API, but counts are cached as a joint set per
// scope so the whole entry is dropped either way. Reports whether an entry existed.
func (s *Store) Invalidate(scope models.ScopeKey, _ ...models.EntityType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[scope]
	delete(s.entries, scope)
	return ok
}

// InvalidateEntityType removes every entry whose counts include one of types
// and returns how many entries were dropped.
func (s *Store) InvalidateEntityType(types ...models.EntityType) int {
	if len(types) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for scope, e := range s.entries {
		for _, t := range types {
			if _, ok := e.Data.Counts[t]; ok {
				delete(s.entries, scope)
				removed++
				break
			}
		}
	}
	return removed
}

// Clear drops all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[models.ScopeKey]Entry)
}

// Len returns the number of entries, fresh or stale.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}
