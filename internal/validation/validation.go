package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/kjstillabower/entity-count-service/internal/models"
)

// MaxScopeIDLength bounds scope ids in runes.
const MaxScopeIDLength = 128

var (
	// ErrUnknownScopeType is returned for scope types other than world and campaign.
	ErrUnknownScopeType = fmt.Errorf("%w: unknown scope type", models.ErrInvalidScope)
	// ErrScopeIDInvalid is returned when a scope id is too long or has disallowed characters.
	ErrScopeIDInvalid = fmt.Errorf("%w: invalid scope id", models.ErrInvalidScope)
	// ErrUnknownEntityType is returned when a requested entity type is not configured.
	ErrUnknownEntityType = errors.New("unknown entity type")
)

// IsInvalidInput reports whether err came from rejected caller input and
// should map to a 400 response.
func IsInvalidInput(err error) bool {
	return models.IsConsumerMisuse(err) || errors.Is(err, ErrUnknownEntityType)
}

// ParseScope validates a scope type and id taken from a request path. The id
// is trimmed but otherwise used as given; scope keys are never normalized.
func ParseScope(scopeType, scopeID string) (models.ScopeKey, error) {
	t := models.ScopeType(strings.TrimSpace(scopeType))
	if !t.Valid() {
		return models.ScopeKey{}, fmt.Errorf("%w %q", ErrUnknownScopeType, scopeType)
	}
	id := strings.TrimSpace(scopeID)
	if id == "" {
		return models.ScopeKey{}, models.ErrInvalidScope
	}
	r := []rune(id)
	if len(r) > MaxScopeIDLength {
		return models.ScopeKey{}, ErrScopeIDInvalid
	}
	for _, c := range r {
		if !isAllowedIDRune(c) {
			return models.ScopeKey{}, ErrScopeIDInvalid
		}
	}
	return models.ScopeKey{Type: t, ID: id}, nil
}

// isAllowedIDRune returns true for letters (Unicode), digits, hyphen, underscore, dot.
func isAllowedIDRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	}
	return false
}

// ParseEntityTypes parses a comma-separated type list, lowercasing and
// de-duplicating it. Every type must be in allowed; an empty allowed list
// accepts models.DefaultEntityTypes.
func ParseEntityTypes(raw string, allowed []models.EntityType) ([]models.EntityType, error) {
	if len(allowed) == 0 {
		allowed = models.DefaultEntityTypes
	}
	known := make(map[models.EntityType]struct{}, len(allowed))
	for _, t := range allowed {
		known[t] = struct{}{}
	}

	var out []models.EntityType
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		t := models.EntityType(part)
		if _, ok := known[t]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownEntityType, part)
		}
		out = append(out, t)
	}
	out = models.NormalizeTypes(out)
	if len(out) == 0 {
		return nil, models.ErrNoEntityTypes
	}
	return out, nil
}
