package chathub

import (
	"context"
	"time"

	"ochatle/backend/internal/storage"

	"github.com/sethvargo/go-retry"
)

const (
	retryBase     = 50 * time.Millisecond
	retryAttempts = 4
)

// withRetry runs fn again with exponential backoff while it fails with a
// transient store error. Any other error is returned as is.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(retryAttempts, retry.NewExponential(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if storage.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
