package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter tracks inbound message rates and drops messages once the
// configured per-interval limit is exceeded, using atomic counters so
// the hot path (allow) never takes a lock. Grounded on
// internal/mqtt/subscriber.go's messageRateLimiter.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, interval: interval, logger: logger}
}

// startPeriodicReset runs the counter-reset loop until ctx is
// cancelled, logging a warning whenever messages were dropped during
// the interval that just ended.
func (r *rateLimiter) startPeriodicReset(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count := r.count.Swap(0)
				dropped := r.dropped.Swap(0)
				if dropped > 0 {
					r.logger.Warn("mqtt messages dropped due to rate limit",
						"received", count, "dropped", dropped, "interval", r.interval, "limit", r.limit)
				}
			}
		}
	}()
}

func (r *rateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
