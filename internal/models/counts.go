package models

import (
	"sort"
	"strings"
	"time"
)

// ScopeType identifies the kind of container entity counts are computed within.
type ScopeType string

const (
	ScopeWorld    ScopeType = "world"
	ScopeCampaign ScopeType = "campaign"
)

// Valid reports whether t is a known scope type.
func (t ScopeType) Valid() bool {
	return t == ScopeWorld || t == ScopeCampaign
}

// ScopeKey identifies a counting context. Two keys are equal iff both fields
// match exactly; no normalization is applied.
type ScopeKey struct {
	Type ScopeType `json:"scopeType"`
	ID   string    `json:"scopeId"`
}

// String returns "type:id", used for log fields and metric labels.
func (k ScopeKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// IsZero reports whether the key has no type or no id.
func (k ScopeKey) IsZero() bool {
	return k.Type == "" || k.ID == ""
}

// ParseScopeKey parses "type:id" as produced by String.
func ParseScopeKey(s string) (ScopeKey, bool) {
	typ, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || typ == "" || id == "" {
		return ScopeKey{}, false
	}
	return ScopeKey{Type: ScopeType(typ), ID: id}, true
}

// EntityType is an entity-type identifier such as "character" or "location".
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityLocation  EntityType = "location"
	EntityItem      EntityType = "item"
	EntitySession   EntityType = "session"
	EntityEvent     EntityType = "event"
)

// DefaultEntityTypes are the entity types accepted when configuration does not list any.
var DefaultEntityTypes = []EntityType{EntityCharacter, EntityLocation, EntityItem, EntitySession, EntityEvent}

// EntitySummary is the lightweight form of a recently created entity.
type EntitySummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntityCountData is the aggregate snapshot for one scope. Counts holds an
// entry for every type of the originating request; types never requested are
// absent rather than zero. Values handed to callers are shared and must be
// treated as read-only.
type EntityCountData struct {
	Counts         map[EntityType]int             `json:"counts"`
	RecentEntities map[EntityType][]EntitySummary `json:"recentEntities"`
	LastUpdated    time.Time                      `json:"lastUpdated"`
	ScopeType      ScopeType                      `json:"scopeType"`
	ScopeID        string                         `json:"scopeId"`
}

// Scope returns the denormalized scope key.
func (d EntityCountData) Scope() ScopeKey {
	return ScopeKey{Type: d.ScopeType, ID: d.ScopeID}
}

// Types returns the entity types present in Counts, sorted.
func (d EntityCountData) Types() []EntityType {
	out := make([]EntityType, 0, len(d.Counts))
	for t := range d.Counts {
		out = append(out, t)
	}
	return NormalizeTypes(out)
}

// Covers reports whether Counts holds an entry for every type in types.
func (d EntityCountData) Covers(types []EntityType) bool {
	for _, t := range types {
		if _, ok := d.Counts[t]; !ok {
			return false
		}
	}
	return true
}

// MergeCountData combines snapshots of the same scope into a new value. Later
// parts win on overlapping types; LastUpdated is the oldest part's, since the
// merged snapshot is only as current as its least recent component.
func MergeCountData(parts ...EntityCountData) EntityCountData {
	out := EntityCountData{
		Counts:         make(map[EntityType]int),
		RecentEntities: make(map[EntityType][]EntitySummary),
	}
	for i, p := range parts {
		if i == 0 {
			out.ScopeType, out.ScopeID, out.LastUpdated = p.ScopeType, p.ScopeID, p.LastUpdated
		} else if p.LastUpdated.Before(out.LastUpdated) {
			out.LastUpdated = p.LastUpdated
		}
		for t, n := range p.Counts {
			out.Counts[t] = n
		}
		for t, recent := range p.RecentEntities {
			out.RecentEntities[t] = recent
		}
	}
	return out
}

// NormalizeTypes returns a sorted copy of types without duplicates or empty values.
func NormalizeTypes(types []EntityType) []EntityType {
	seen := make(map[EntityType]struct{}, len(types))
	out := make([]EntityType, 0, len(types))
	for _, t := range types {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnionTypes returns the normalized union of the given type sets.
func UnionTypes(sets ...[]EntityType) []EntityType {
	var all []EntityType
	for _, s := range sets {
		all = append(all, s...)
	}
	return NormalizeTypes(all)
}

// TypesSignature returns a stable identifier for a set of entity types.
func TypesSignature(types []EntityType) string {
	norm := NormalizeTypes(types)
	parts := make([]string, len(norm))
	for i, t := range norm {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// Source labels where a consumer-facing result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceStale   Source = "stale"
)

// PerformanceMetrics is the per-fetch diagnostic record. It is never persisted.
type PerformanceMetrics struct {
	CacheHit bool          `json:"cacheHit"`
	LoadTime time.Duration `json:"-"`
	Source   Source        `json:"source"`
}

// LoadTimeMillis returns LoadTime in fractional milliseconds for JSON output.
func (m PerformanceMetrics) LoadTimeMillis() float64 {
	return float64(m.LoadTime) / float64(time.Millisecond)
}
