package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/stretchr/testify/mock"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// memoryEventStore is a versioned in-memory stream store. beforeSave runs
// inside Save before the version check, letting tests slip in a racing write.
// A nil slot is a stored record that cannot be decoded: it keeps its version
// but Load skips it, as the gorm store does.
type memoryEventStore struct {
	mu         sync.Mutex
	streams    map[string][]billing.Event
	beforeSave func(accountID string)
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{streams: make(map[string][]billing.Event)}
}

func (s *memoryEventStore) Save(_ context.Context, accountID string, events []billing.Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}
	if hook := s.beforeSave; hook != nil {
		s.beforeSave = nil
		hook(accountID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := int64(len(s.streams[accountID]))
	if current != expectedVersion {
		return billing.NewConcurrencyConflict(accountID, expectedVersion, current)
	}
	for _, e := range events {
		if e.AggregateID() != accountID {
			return billing.NewOwnershipMismatch(accountID, e.AggregateID())
		}
	}
	for i, e := range events {
		e.SetStreamVersion(expectedVersion + int64(i) + 1)
	}
	s.streams[accountID] = append(s.streams[accountID], events...)
	return nil
}

func (s *memoryEventStore) Load(_ context.Context, accountID string, fromVersion, toVersion int64) ([]billing.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.Event
	for i, e := range s.streams[accountID] {
		v := int64(i + 1)
		if e == nil || v <= fromVersion || v > toVersion {
			continue
		}
		e.SetStreamVersion(v)
		out = append(out, e)
	}
	return out, nil
}

func (s *memoryEventStore) Version(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[accountID])), nil
}

func (s *memoryEventStore) CountSince(_ context.Context, accountID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.streams[accountID] {
		if e != nil && !e.OccurredAt().Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memoryEventStore) ExistsFor(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[accountID]) > 0, nil
}

func (s *memoryEventStore) ListAccountIDs(_ context.Context, afterAccountID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		if id > afterAccountID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// seed appends events directly, bypassing the version check
func (s *memoryEventStore) seed(accountID string, events ...billing.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[accountID] = append(s.streams[accountID], events...)
}

// seedUnreadable appends a record that occupies a version but cannot be decoded
func (s *memoryEventStore) seedUnreadable(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[accountID] = append(s.streams[accountID], nil)
}

type mockEventStore struct {
	mock.Mock
}

func (m *mockEventStore) Save(ctx context.Context, accountID string, events []billing.Event, expectedVersion int64) error {
	args := m.Called(ctx, accountID, events, expectedVersion)
	return args.Error(0)
}

func (m *mockEventStore) Load(ctx context.Context, accountID string, fromVersion, toVersion int64) ([]billing.Event, error) {
	args := m.Called(ctx, accountID, fromVersion, toVersion)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billing.Event), args.Error(1)
}

func (m *mockEventStore) Version(ctx context.Context, accountID string) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEventStore) CountSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	args := m.Called(ctx, accountID, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEventStore) ExistsFor(ctx context.Context, accountID string) (bool, error) {
	args := m.Called(ctx, accountID)
	return args.Bool(0), args.Error(1)
}

func (m *mockEventStore) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	args := m.Called(ctx, afterAccountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockProjectionRepository struct {
	mock.Mock
}

func (m *mockProjectionRepository) Upsert(ctx context.Context, p *billing.AccountProjection) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockProjectionRepository) FindByAccountID(ctx context.Context, accountID string) (*billing.AccountProjection, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.AccountProjection), args.Error(1)
}

func (m *mockProjectionRepository) ListAccountIDsByStates(ctx context.Context, states []billing.AccountState, afterAccountID string, limit int) ([]string, error) {
	args := m.Called(ctx, states, afterAccountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockEventPublisher struct {
	mock.Mock
}

func (m *mockEventPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

type mockCommandRecorder struct {
	mock.Mock
}

func (m *mockCommandRecorder) RecordCommand(ctx context.Context, command string, duration time.Duration, err error) {
	m.Called(ctx, command, duration, err)
}

type mockMeteredUsageRepository struct {
	mock.Mock
}

func (m *mockMeteredUsageRepository) Enqueue(ctx context.Context, usage *billing.MeteredUsage) error {
	args := m.Called(ctx, usage)
	return args.Error(0)
}

func (m *mockMeteredUsageRepository) FindPending(ctx context.Context, limit int) ([]billing.MeteredUsage, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billing.MeteredUsage), args.Error(1)
}

func (m *mockMeteredUsageRepository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time, lastError string) error {
	args := m.Called(ctx, id, processedAt, lastError)
	return args.Error(0)
}

func (m *mockMeteredUsageRepository) CountPending(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type mockUsageCommands struct {
	mock.Mock
}

func (m *mockUsageCommands) RecordUsage(ctx context.Context, accountID string, amount int64, ref string) (*CommandResult, error) {
	args := m.Called(ctx, accountID, amount, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CommandResult), args.Error(1)
}

type mockPaymentCommands struct {
	mock.Mock
}

func (m *mockPaymentCommands) TopUpBalance(ctx context.Context, accountID string, amount int64, ref string, receiptURL *string) (*CommandResult, error) {
	args := m.Called(ctx, accountID, amount, ref, receiptURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CommandResult), args.Error(1)
}

func (m *mockPaymentCommands) ProcessBalanceRefund(ctx context.Context, accountID string, amount int64, ref, reason string) (*CommandResult, error) {
	args := m.Called(ctx, accountID, amount, ref, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CommandResult), args.Error(1)
}

func (m *mockPaymentCommands) DetectChargeback(ctx context.Context, accountID, ref string, amount int64) (*CommandResult, error) {
	args := m.Called(ctx, accountID, ref, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CommandResult), args.Error(1)
}

type mockIdempotencyStore struct {
	mock.Mock
}

func (m *mockIdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockIdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockIdempotencyStore) Release(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockIdempotencyStore) Close() error {
	return m.Called().Error(0)
}

type mockArchiveStorage struct {
	mock.Mock
}

func (m *mockArchiveStorage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	args := m.Called(ctx, key, data, contentType)
	return args.Error(0)
}

func (m *mockArchiveStorage) GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, time.Time, error) {
	args := m.Called(ctx, key, expiresIn)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}

// activeAccountEvents signs accountID up with the given allotment
func activeAccountEvents(accountID string, allotment int64) []billing.Event {
	return []billing.Event{
		billing.NewSubscriptionSignupEvent(accountID, "sub-1", allotment, testNow),
		billing.NewStateTransitionEvent(accountID, billing.StateNew, billing.StateActiveSubscription, billing.ReasonSubscriptionSignup, testNow),
	}
}
