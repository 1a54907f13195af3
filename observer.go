package recall

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives events for Cache and CachedFetcher operations.
// It is called after each operation completes.
type Observer interface {
	OnCacheOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)

// OnCacheOp implements Observer.
func (f ObserverFunc) OnCacheOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver) {
	if f == nil {
		return
	}
	f(ctx, op, key, hit, err, dur, driver)
}

// LogObserver logs every operation at debug level, failures at warn.
func LogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return ObserverFunc(func(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver) {
		attrs := []any{
			"op", op,
			"key", key,
			"hit", hit,
			"duration", dur,
			"driver", string(driver),
		}
		if err != nil {
			logger.WarnContext(ctx, "recall operation failed", append(attrs, "error", err)...)
			return
		}
		logger.DebugContext(ctx, "recall operation", attrs...)
	})
}
