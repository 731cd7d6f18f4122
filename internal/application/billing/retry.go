package billing

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/meterline/backend/internal/domain/billing"
)

// DefaultConflictRetryAttempts is used when a caller passes attempts <= 0
const DefaultConflictRetryAttempts = 3

// RetryOnConflict runs fn until it succeeds, fails with anything other than a
// concurrency conflict, or has been tried attempts times. Each try re-runs the
// whole command, so the decision is always made against the latest stream.
func RetryOnConflict[T any](ctx context.Context, attempts int, fn func(ctx context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = DefaultConflictRetryAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		result, err := fn(ctx)
		if err != nil && !errors.Is(err, billing.ErrConcurrencyConflict) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}
