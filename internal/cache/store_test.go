package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/entity-count-service/internal/models"
)

var worldW1 = models.ScopeKey{Type: models.ScopeWorld, ID: "w1"}

func countData(scope models.ScopeKey, counts map[models.EntityType]int) models.EntityCountData {
	return models.EntityCountData{
		Counts:      counts,
		ScopeType:   scope.Type,
		ScopeID:     scope.ID,
		LastUpdated: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// TestStore_SetGet verifies that Set stores the snapshot and Get returns it
// with ExpiresAt = CachedAt + TTL.
func TestStore_SetGet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(time.Minute, clock)

	data := countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 3})
	s.Set(worldW1, data)

	got, ok := s.Get(worldW1)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Data.Counts[models.EntityCharacter] != 3 {
		t.Errorf("Get().Data.Counts[character] = %d, want 3", got.Data.Counts[models.EntityCharacter])
	}
	if !got.CachedAt.Equal(clock.Now()) {
		t.Errorf("CachedAt = %v, want %v", got.CachedAt, clock.Now())
	}
	if want := got.CachedAt.Add(time.Minute); !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
	if !got.Fresh(clock.Now()) {
		t.Error("Fresh() = false immediately after Set, want true")
	}
}

// TestStore_Get_Miss verifies that Get reports ok=false for unknown scopes and
// that scopes with the same id but a different type do not share entries.
func TestStore_Get_Miss(t *testing.T) {
	s := NewStore(time.Minute, clockwork.NewFakeClock())
	s.Set(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityItem: 1}))

	if _, ok := s.Get(models.ScopeKey{Type: models.ScopeCampaign, ID: "w1"}); ok {
		t.Error("Get(campaign:w1) ok = true, want false")
	}
	if _, ok := s.Get(models.ScopeKey{Type: models.ScopeWorld, ID: "W1"}); ok {
		t.Error("Get(world:W1) ok = true, want false (no normalization)")
	}
}

// TestStore_Get_ExpiredKeptAsStale verifies that expired entries are still
// returned and only reported as not fresh.
func TestStore_Get_ExpiredKeptAsStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(time.Second, clock)
	s.Set(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 3}))

	clock.Advance(time.Second)

	got, ok := s.Get(worldW1)
	if !ok {
		t.Fatal("Get() ok = false for expired entry, want stale entry")
	}
	if got.Fresh(clock.Now()) {
		t.Error("Fresh() = true at now == ExpiresAt, want false")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

// TestStore_Set_ReplacesAndRecomputesExpiry verifies that Set always replaces
// the entry and restarts its TTL.
func TestStore_Set_ReplacesAndRecomputesExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(time.Minute, clock)
	s.Set(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 1, models.EntityItem: 2}))

	clock.Advance(2 * time.Minute)
	s.Set(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 5}))

	got, _ := s.Get(worldW1)
	if !got.Fresh(clock.Now()) {
		t.Error("Fresh() = false after re-Set, want true")
	}
	if _, ok := got.Data.Counts[models.EntityItem]; ok {
		t.Error("Set() merged old counts, want full replacement")
	}
	if got.Data.Counts[models.EntityCharacter] != 5 {
		t.Errorf("Counts[character] = %d, want 5", got.Data.Counts[models.EntityCharacter])
	}
}

func TestStore_Invalidate(t *testing.T) {
	s := NewStore(time.Minute, clockwork.NewFakeClock())
	other := models.ScopeKey{Type: models.ScopeCampaign, ID: "c1"}
	s.Set(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 1, models.EntityLocation: 2}))
	s.Set(other, countData(other, map[models.EntityType]int{models.EntityCharacter: 4}))

	// Targeted by entity type, still scope-wide.
	if !s.Invalidate(worldW1, models.EntityLocation) {
		t.Error("Invalidate() = false, want true for existing entry")
	}
	if _, ok := s.Get(worldW1); ok {
		t.Error("entry still present after Invalidate(scope, location)")
	}
	if _, ok := s.Get(other); !ok {
		t.Error("Invalidate() removed an unrelated scope")
	}
	if s.Invalidate(worldW1) {
		t.Error("Invalidate() = true for missing entry, want false")
	}
}

func TestStore_InvalidateEntityType(t *testing.T) {
	s := NewStore(time.Minute, clockwork.NewFakeClock())
	c1 := models.ScopeKey{Type: models.ScopeCampaign, ID: "c1"}
	c2 := models.ScopeKey{Type: models.ScopeCampaign, ID: "c2"}
	s.Set(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 1}))
	s.Set(c1, countData(c1, map[models.EntityType]int{models.EntitySession: 2}))
	s.Set(c2, countData(c2, map[models.EntityType]int{models.EntitySession: 0, models.EntityEvent: 1}))

	if got := s.InvalidateEntityType(models.EntitySession); got != 2 {
		t.Errorf("InvalidateEntityType(session) = %d, want 2", got)
	}
	if _, ok := s.Get(worldW1); !ok {
		t.Error("scope without session counts was removed")
	}
	if got := s.InvalidateEntityType(); got != 0 {
		t.Errorf("InvalidateEntityType() with no types = %d, want 0", got)
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore(0, nil)
	if s.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want default %v", s.TTL(), DefaultTTL)
	}
	s.Set(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 1}))
	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", s.Len())
	}
}

// TestEntry_Covers verifies coverage checks against requested entity types.
func TestEntry_Covers(t *testing.T) {
	e := Entry{Data: countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 0, models.EntityItem: 2})}
	tests := []struct {
		name  string
		types []models.EntityType
		want  bool
	}{
		{"subset", []models.EntityType{models.EntityCharacter}, true},
		{"exact", []models.EntityType{models.EntityItem, models.EntityCharacter}, true},
		{"zero count still covered", []models.EntityType{models.EntityCharacter}, true},
		{"missing type", []models.EntityType{models.EntityCharacter, models.EntityLocation}, false},
		{"empty request", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.Covers(tc.types); got != tc.want {
				t.Errorf("Covers(%v) = %v, want %v", tc.types, got, tc.want)
			}
		})
	}
}

// TestStore_Merge covers ordering between results of overlapping fetches.
func TestStore_Merge(t *testing.T) {
	character, location, item := models.EntityCharacter, models.EntityLocation, models.EntityItem
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	tests := []struct {
		name        string
		current     map[models.EntityType]int
		currentAt   time.Time
		incoming    map[models.EntityType]int
		incomingAt  time.Time
		wantChanged bool
		want        map[models.EntityType]int
	}{
		{
			name:        "older full result is dropped",
			current:     map[models.EntityType]int{character: 7},
			currentAt:   t1,
			incoming:    map[models.EntityType]int{character: 3},
			incomingAt:  t0,
			wantChanged: false,
			want:        map[models.EntityType]int{character: 7},
		},
		{
			name:        "newer full result replaces",
			current:     map[models.EntityType]int{character: 3},
			currentAt:   t0,
			incoming:    map[models.EntityType]int{character: 7},
			incomingAt:  t1,
			wantChanged: true,
			want:        map[models.EntityType]int{character: 7},
		},
		{
			name:        "narrower newer result merges into covering entry",
			current:     map[models.EntityType]int{character: 3, location: 2},
			currentAt:   t0,
			incoming:    map[models.EntityType]int{item: 5},
			incomingAt:  t1,
			wantChanged: true,
			want:        map[models.EntityType]int{character: 3, location: 2, item: 5},
		},
		{
			name:        "narrower newer result wins overlapping type",
			current:     map[models.EntityType]int{character: 3, location: 2},
			currentAt:   t0,
			incoming:    map[models.EntityType]int{location: 9},
			incomingAt:  t1,
			wantChanged: true,
			want:        map[models.EntityType]int{character: 3, location: 9},
		},
		{
			name:        "older narrower result only adds missing types",
			current:     map[models.EntityType]int{character: 7, location: 2},
			currentAt:   t1,
			incoming:    map[models.EntityType]int{character: 3, item: 1},
			incomingAt:  t0,
			wantChanged: true,
			want:        map[models.EntityType]int{character: 7, location: 2, item: 1},
		},
		{
			name:        "older result with nothing new is dropped",
			current:     map[models.EntityType]int{character: 7, location: 2},
			currentAt:   t1,
			incoming:    map[models.EntityType]int{location: 1},
			incomingAt:  t0,
			wantChanged: false,
			want:        map[models.EntityType]int{character: 7, location: 2},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			s := NewStore(time.Minute, clock)
			s.Merge(worldW1, countData(worldW1, tc.current), tc.currentAt)
			before, _ := s.Get(worldW1)

			clock.Advance(30 * time.Second)
			_, changed := s.Merge(worldW1, countData(worldW1, tc.incoming), tc.incomingAt)
			if changed != tc.wantChanged {
				t.Errorf("Merge() changed = %v, want %v", changed, tc.wantChanged)
			}
			got, _ := s.Get(worldW1)
			if len(got.Data.Counts) != len(tc.want) {
				t.Errorf("Counts = %v, want %v", got.Data.Counts, tc.want)
			}
			for typ, n := range tc.want {
				if got.Data.Counts[typ] != n {
					t.Errorf("Counts[%s] = %d, want %d", typ, got.Data.Counts[typ], n)
				}
			}
			if !tc.wantChanged && !got.ExpiresAt.Equal(before.ExpiresAt) {
				t.Errorf("ExpiresAt = %v after dropped write, want unchanged %v", got.ExpiresAt, before.ExpiresAt)
			}
		})
	}
}

// TestStore_Merge_PartialKeepsExpiry verifies that merging a narrower result
// does not extend the lifetime of the types already held.
func TestStore_Merge_PartialKeepsExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(time.Minute, clock)
	first, _ := s.Merge(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 1}), clock.Now())

	clock.Advance(40 * time.Second)
	got, _ := s.Merge(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityItem: 2}), clock.Now())
	if !got.ExpiresAt.Equal(first.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, first.ExpiresAt)
	}

	clock.Advance(time.Second)
	full, changed := s.Merge(worldW1, countData(worldW1, map[models.EntityType]int{models.EntityCharacter: 4, models.EntityItem: 2}), clock.Now())
	if !changed {
		t.Fatal("Merge() of newer covering result changed = false")
	}
	if want := clock.Now().Add(time.Minute); !full.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt after covering result = %v, want %v", full.ExpiresAt, want)
	}
}
