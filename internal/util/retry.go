package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry calls fn up to maxAttempts times, doubling the delay between
// attempts from baseDelay and jittering each delay by up to ±25% so callers
// hammering the same venue do not retry in lockstep. It returns nil on the
// first success, the last error otherwise, and stops early when ctx is
// cancelled between attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := baseDelay << attempt
		jitter := time.Duration(rand.Int64N(int64(delay)/2+1)) - delay/4
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
	return err
}
