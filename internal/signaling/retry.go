package signaling

import (
	"context"
	"errors"
	"time"
)

// Retry policy for transient storage and exchange failures: exponential
// backoff starting at 100 ms, capped at 2 s, at most 3 attempts.
const (
	retryBase     = 100 * time.Millisecond
	retryMax      = 2 * time.Second
	retryAttempts = 3
)

// isTransient reports whether err is worth another attempt. Business
// outcomes such as a full room or an oversized message will not change on
// retry and are returned immediately.
func isTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrTxConflict)
}

// withRetry runs fn up to retryAttempts times, sleeping with exponential
// backoff between attempts. Only transient errors are retried; the last
// error is returned on exhaustion.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > retryMax {
				delay = retryMax
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}
