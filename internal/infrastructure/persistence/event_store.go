package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/infrastructure/event"
	"github.com/meterline/backend/internal/infrastructure/persistence/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// uniqueViolationCode is the postgres SQLSTATE for unique_violation
const uniqueViolationCode = "23505"

// CorruptRecordFunc is told about every stored record skipped during a load
type CorruptRecordFunc func(ctx context.Context, typeTag string)

// EventStoreOption configures a GormEventStore
type EventStoreOption func(*GormEventStore)

// WithEventStoreLogger sets the logger used for corrupt-record warnings
func WithEventStoreLogger(logger *zap.Logger) EventStoreOption {
	return func(s *GormEventStore) {
		s.logger = logger
	}
}

// WithCorruptRecordHook registers a callback for skipped records
func WithCorruptRecordHook(fn CorruptRecordFunc) EventStoreOption {
	return func(s *GormEventStore) {
		s.onCorrupt = fn
	}
}

// GormEventStore implements billing.EventStore on the account_events table
type GormEventStore struct {
	db         *gorm.DB
	serializer *event.EventSerializer
	logger     *zap.Logger
	onCorrupt  CorruptRecordFunc
}

// NewGormEventStore creates a new event store
func NewGormEventStore(db *gorm.DB, serializer *event.EventSerializer, opts ...EventStoreOption) *GormEventStore {
	s := &GormEventStore{
		db:         db,
		serializer: serializer,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save appends events at expectedVersion+1 onwards in a single transaction
func (s *GormEventStore) Save(ctx context.Context, accountID string, events []billing.Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]models.EventRecordModel, len(events))
	for i, e := range events {
		if e.AggregateID() != accountID {
			return billing.NewOwnershipMismatch(accountID, e.AggregateID())
		}
		payload, err := s.serializer.Serialize(e)
		if err != nil {
			return err
		}
		records[i] = models.EventRecordModel{
			EventID:   e.EventID(),
			AccountID: accountID,
			Version:   expectedVersion + int64(i) + 1,
			TypeTag:   e.EventType(),
			Payload:   string(payload),
			CreatedAt: e.OccurredAt(),
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := currentVersion(tx, accountID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return billing.NewConcurrencyConflict(accountID, expectedVersion, current)
		}
		return tx.Create(&records).Error
	})
	if err == nil {
		for i, e := range events {
			e.SetStreamVersion(records[i].Version)
		}
		return nil
	}

	// a concurrent writer committed between our version check and insert
	if isDuplicateVersion(err) {
		actual, verr := s.Version(ctx, accountID)
		if verr != nil {
			actual = expectedVersion + 1
		}
		return billing.NewConcurrencyConflict(accountID, expectedVersion, actual)
	}
	if errors.Is(err, billing.ErrConcurrencyConflict) {
		return err
	}
	return fmt.Errorf("failed to append events for account %s: %w", accountID, err)
}

// Load returns events with fromVersion < version <= toVersion in version
// order, each stamped with its stream version. Records that cannot be
// decoded are skipped; their versions stay taken, so replays follow the
// stamped positions rather than counting events.
func (s *GormEventStore) Load(ctx context.Context, accountID string, fromVersion, toVersion int64) ([]billing.Event, error) {
	var records []models.EventRecordModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND version > ? AND version <= ?", accountID, fromVersion, toVersion).
		Order("version ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load events for account %s: %w", accountID, err)
	}

	events := make([]billing.Event, 0, len(records))
	for _, rec := range records {
		e, err := s.serializer.Deserialize(rec.TypeTag, []byte(rec.Payload))
		if err != nil {
			s.logger.Warn("skipping corrupt event record",
				zap.String("account_id", accountID),
				zap.Int64("version", rec.Version),
				zap.String("type_tag", rec.TypeTag),
				zap.String("event_id", rec.EventID.String()),
				zap.Error(err),
			)
			if s.onCorrupt != nil {
				s.onCorrupt(ctx, rec.TypeTag)
			}
			continue
		}
		e.SetStreamVersion(rec.Version)
		events = append(events, e)
	}
	return events, nil
}

// Version returns the highest stored version, 0 for an empty stream
func (s *GormEventStore) Version(ctx context.Context, accountID string) (int64, error) {
	v, err := currentVersion(s.db.WithContext(ctx), accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to read version for account %s: %w", accountID, err)
	}
	return v, nil
}

// CountSince counts events created at or after since
func (s *GormEventStore) CountSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.EventRecordModel{}).
		Where("account_id = ? AND created_at >= ?", accountID, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count events for account %s: %w", accountID, err)
	}
	return count, nil
}

// ExistsFor reports whether the account has any events
func (s *GormEventStore) ExistsFor(ctx context.Context, accountID string) (bool, error) {
	var found []int64
	err := s.db.WithContext(ctx).Model(&models.EventRecordModel{}).
		Where("account_id = ?", accountID).
		Limit(1).
		Pluck("id", &found).Error
	if err != nil {
		return false, fmt.Errorf("failed to check events for account %s: %w", accountID, err)
	}
	return len(found) > 0, nil
}

// ListAccountIDs pages through accounts with events using keyset pagination
func (s *GormEventStore) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.EventRecordModel{}).
		Distinct("account_id").
		Where("account_id > ?", afterAccountID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return ids, nil
}

func currentVersion(db *gorm.DB, accountID string) (int64, error) {
	var version int64
	err := db.Model(&models.EventRecordModel{}).
		Select("COALESCE(MAX(version), 0)").
		Where("account_id = ?", accountID).
		Scan(&version).Error
	return version, err
}

var _ billing.EventStore = (*GormEventStore)(nil)

// isDuplicateVersion reports a (account_id, version) collision. Sessions
// opened without TranslateError surface the raw postgres error.
func isDuplicateVersion(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
