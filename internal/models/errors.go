package models

import (
	"context"
	"errors"
	"fmt"
)

// Consumer misuse errors. They are returned before any coordinator or data
// source work happens.
var (
	ErrInvalidScope  = errors.New("scope is required")
	ErrNoEntityTypes = errors.New("at least one entity type is required")
)

// IsConsumerMisuse reports whether err was caused by invalid caller input.
func IsConsumerMisuse(err error) bool {
	return errors.Is(err, ErrInvalidScope) || errors.Is(err, ErrNoEntityTypes)
}

// IsCancellation reports whether err signals that the caller stopped caring
// about the result. Cancellations are not failures and never reach
// consumer-visible error state.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// SourceFetchError wraps a failed fan-out read against the data source.
// Every waiter of the failed in-flight unit receives the same value.
type SourceFetchError struct {
	Scope ScopeKey
	Types []EntityType
	Err   error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch counts for %s [%s]: %v", e.Scope, TypesSignature(e.Types), e.Err)
}

func (e *SourceFetchError) Unwrap() error {
	return e.Err
}
