package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// FlushTelemetry flushes telemetry buffers before process exit. Prometheus
// metrics are pull-based and need no flush, so this mainly syncs logs. Call
// during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			// Sync on a terminal stderr returns EINVAL/ENOTTY; nothing is lost.
			if strings.Contains(err.Error(), "invalid argument") || strings.Contains(err.Error(), "inappropriate ioctl") {
				return nil
			}
			return err
		}
	}
	return nil
}
