package utils

import (
	"context"
	"errors"
	"time"

	"couplemode_server/models"

	"github.com/cenkalti/backoff/v4"
)

// RetryInitialInterval is the first backoff delay between store retries.
var RetryInitialInterval = 50 * time.Millisecond

// IsRetryable reports whether err is an infrastructure failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, models.ErrStoreUnavailable)
}

// Retry runs op until it succeeds, returns a non-retryable error, or has been
// retried attempts times. onRetry, if set, is called before every retry.
func Retry(ctx context.Context, attempts int, op func() error, onRetry func(err error, next time.Duration)) error {
	if attempts < 0 {
		attempts = 0
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = RetryInitialInterval
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, d time.Duration) {
		if onRetry != nil {
			onRetry(err, d)
		}
	})
}
