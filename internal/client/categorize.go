package client

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/kjstillabower/entity-count-service/internal/batch"
	"github.com/kjstillabower/entity-count-service/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (countLookupErrorsTotal).
const (
	ErrorCategoryCancelled     ErrorCategory = "cancelled"
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey ErrorCategory = "invalid_api_key"
	ErrorCategoryScopeNotFound ErrorCategory = "scope_not_found"
	ErrorCategoryRateLimited   ErrorCategory = "rate_limited"
	ErrorCategorySource5xx     ErrorCategory = "source_5xx"
	ErrorCategoryCircuitOpen   ErrorCategory = "circuit_open"
	ErrorCategoryIncomplete    ErrorCategory = "incomplete_result"
	ErrorCategoryParsing       ErrorCategory = "parsing"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrScopeNotFound):
		return ErrorCategoryScopeNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrSourceFailure):
		return ErrorCategorySource5xx
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, batch.ErrIncompleteResult):
		return ErrorCategoryIncomplete
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorCategoryTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "no such host") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "decode") {
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}
