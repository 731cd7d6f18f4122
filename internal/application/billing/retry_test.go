package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()
	conflict := billing.NewConcurrencyConflict("acct-1", 1, 2)

	t.Run("succeeds after conflicts", func(t *testing.T) {
		calls := 0
		got, err := RetryOnConflict(ctx, 3, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, conflict
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		_, err := RetryOnConflict(ctx, 2, func(context.Context) (int, error) {
			calls++
			return 0, conflict
		})
		assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		_, err := RetryOnConflict(ctx, 5, func(context.Context) (int, error) {
			calls++
			return 0, billing.ErrInvalidAmount
		})
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
		assert.Equal(t, 1, calls)

		boom := errors.New("boom")
		_, err = RetryOnConflict(ctx, 5, func(context.Context) (int, error) {
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("default attempts", func(t *testing.T) {
		calls := 0
		_, _ = RetryOnConflict(ctx, 0, func(context.Context) (int, error) {
			calls++
			return 0, conflict
		})
		assert.Equal(t, DefaultConflictRetryAttempts, calls)
	})

	t.Run("retries a real racing command", func(t *testing.T) {
		store := newMemoryEventStore()
		store.seed("acct-1", activeAccountEvents("acct-1", 500)...)
		store.beforeSave = func(accountID string) {
			store.seed(accountID, billing.NewCreditUsageEvent(accountID, 10, "u-racer", testNow))
		}
		h := newTestHandler(store, nil)

		result, err := RetryOnConflict(ctx, 3, func(ctx context.Context) (*CommandResult, error) {
			return h.RecordUsage(ctx, "acct-1", 20, "u-1")
		})
		require.NoError(t, err)
		assert.Equal(t, int64(30), result.Account.MonthlyCreditsUsed)
		assert.Equal(t, int64(4), result.Account.Version)
	})
}
