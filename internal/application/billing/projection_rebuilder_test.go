package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestProjectionRebuilder_Rebuild(t *testing.T) {
	store := newMemoryEventStore()
	store.seed("acct-1", activeAccountEvents("acct-1", 500)...)
	store.seed("acct-1", billing.NewCreditUsageEvent("acct-1", 120, "u-1", testNow))

	projections := new(mockProjectionRepository)
	projections.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	r := NewProjectionRebuilder(ProjectionRebuilderConfig{Store: store, Projections: projections, Clock: fixedClock})
	p, err := r.Rebuild(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, &billing.AccountProjection{
		AccountID:              "acct-1",
		State:                  billing.StateActiveSubscription,
		MonthlyCreditAllotment: 500,
		MonthlyCreditsUsed:     120,
		Version:                3,
		UpdatedAt:              testNow,
	}, p)
	projections.AssertCalled(t, "Upsert", mock.Anything, p)
}

func TestProjectionRebuilder_RebuildAll(t *testing.T) {
	store := newMemoryEventStore()
	for _, id := range []string{"acct-a", "acct-b", "acct-c", "acct-d", "acct-e"} {
		store.seed(id, activeAccountEvents(id, 100)...)
	}

	var mu sync.Mutex
	rebuilt := map[string]int64{}
	projections := new(mockProjectionRepository)
	projections.On("Upsert", mock.Anything, mock.MatchedBy(func(p *billing.AccountProjection) bool {
		return p.AccountID == "acct-c"
	})).Return(errors.New("constraint violation"))
	projections.On("Upsert", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			p := args.Get(1).(*billing.AccountProjection)
			mu.Lock()
			rebuilt[p.AccountID] = p.Version
			mu.Unlock()
		}).Return(nil)

	r := NewProjectionRebuilder(ProjectionRebuilderConfig{Store: store, Projections: projections, Concurrency: 2})
	report, err := r.RebuildAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, &RebuildReport{Accounts: 5, Failed: 1}, report)
	assert.Equal(t, map[string]int64{"acct-a": 2, "acct-b": 2, "acct-d": 2, "acct-e": 2}, rebuilt)
}

func TestProjectionRebuilder_RebuildAllListError(t *testing.T) {
	store := new(mockEventStore)
	store.On("ListAccountIDs", mock.Anything, "", 100).Return(nil, errors.New("timeout"))

	r := NewProjectionRebuilder(ProjectionRebuilderConfig{Store: store, Projections: new(mockProjectionRepository)})
	_, err := r.RebuildAll(context.Background(), 0)
	assert.EqualError(t, err, "timeout")
}
