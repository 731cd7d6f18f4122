package billing

import (
	"context"
	"math"
	"strconv"
	"time"
)

// LatestVersion is the open upper bound for EventStore.Load
const LatestVersion int64 = math.MaxInt64

// EventStore is the append-only log of billing events, one ordered stream per
// account. Versions start at 1 and have no gaps.
type EventStore interface {
	// Save appends events as versions expectedVersion+1.. in one atomic write.
	// It returns ErrConcurrencyConflict if the stream is not at expectedVersion
	// and ErrOwnershipMismatch if an event belongs to another account.
	// Saving no events is a no-op.
	Save(ctx context.Context, accountID string, events []Event, expectedVersion int64) error

	// Load returns events with fromVersion < version <= toVersion in version order
	Load(ctx context.Context, accountID string, fromVersion, toVersion int64) ([]Event, error)

	// Version returns the current stream version, 0 for an empty stream
	Version(ctx context.Context, accountID string) (int64, error)

	// CountSince counts events created at or after since
	CountSince(ctx context.Context, accountID string, since time.Time) (int64, error)

	// ExistsFor reports whether the account has any events
	ExistsFor(ctx context.Context, accountID string) (bool, error)

	// ListAccountIDs pages through accounts with events, ordered by id
	ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error)
}

// AccountProjection is the denormalized read model row for an account
type AccountProjection struct {
	AccountID              string
	State                  AccountState
	UsageBalance           int64
	MonthlyCreditAllotment int64
	MonthlyCreditsUsed     int64
	Version                int64
	UpdatedAt              time.Time
}

// ProjectionFromAccount builds a projection row from a replayed aggregate
func ProjectionFromAccount(a *Account, updatedAt time.Time) *AccountProjection {
	return &AccountProjection{
		AccountID:              a.AccountID,
		State:                  a.State,
		UsageBalance:           a.UsageBalance,
		MonthlyCreditAllotment: a.MonthlyCreditAllotment,
		MonthlyCreditsUsed:     a.MonthlyCreditsUsed,
		Version:                a.Version,
		UpdatedAt:              updatedAt,
	}
}

// ProjectionRepository stores the best-effort read model. It may lag the
// event log and is never consulted when deciding a command.
type ProjectionRepository interface {
	// Upsert overwrites the row for the account
	Upsert(ctx context.Context, p *AccountProjection) error

	// FindByAccountID returns shared.ErrNotFound if there is no row
	FindByAccountID(ctx context.Context, accountID string) (*AccountProjection, error)

	// ListAccountIDsByStates pages through accounts whose projected state is in states
	ListAccountIDsByStates(ctx context.Context, states []AccountState, afterAccountID string, limit int) ([]string, error)
}

// MeteredUsage is a usage report waiting to be posted to an account
type MeteredUsage struct {
	ID          int64
	AccountID   string
	Amount      int64
	SourceRef   string
	ReportedAt  time.Time
	ProcessedAt *time.Time
	LastError   string
}

// Ref is the idempotent reference used when posting the report as usage
func (u *MeteredUsage) Ref() string {
	if u.SourceRef != "" {
		return u.SourceRef
	}
	return "usage:" + strconv.FormatInt(u.ID, 10)
}

// MeteredUsageRepository is the staging table fed by the metering collaborator
type MeteredUsageRepository interface {
	Enqueue(ctx context.Context, usage *MeteredUsage) error
	FindPending(ctx context.Context, limit int) ([]MeteredUsage, error)
	MarkProcessed(ctx context.Context, id int64, processedAt time.Time, lastError string) error
	CountPending(ctx context.Context) (int64, error)
}
