package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FlushTelemetry runs the shutdown closers (source cache connections and the
// like) and then flushes logs. For pull-based Prometheus, metrics are already
// exposed. Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, closers ...func() error) error {
	var err error
	for _, closeFn := range closers {
		if ctx.Err() != nil {
			return multierr.Append(err, ctx.Err())
		}
		if closeFn != nil {
			err = multierr.Append(err, closeFn())
		}
	}
	if logger != nil {
		// Sync on a terminal stderr reports ENOTTY/EINVAL; nothing was lost.
		if syncErr := logger.Sync(); syncErr != nil && !errors.Is(syncErr, syscall.ENOTTY) && !errors.Is(syncErr, syscall.EINVAL) {
			err = multierr.Append(err, fmt.Errorf("flush logs: %w", syncErr))
		}
	}
	return err
}
