package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormMeteredUsageRepository implements billing.MeteredUsageRepository
type GormMeteredUsageRepository struct {
	db *gorm.DB
}

// NewGormMeteredUsageRepository creates a new metered usage repository
func NewGormMeteredUsageRepository(db *gorm.DB) *GormMeteredUsageRepository {
	return &GormMeteredUsageRepository{db: db}
}

// Enqueue stages a usage report and fills in its ID
func (r *GormMeteredUsageRepository) Enqueue(ctx context.Context, usage *billing.MeteredUsage) error {
	if usage.ReportedAt.IsZero() {
		usage.ReportedAt = time.Now().UTC()
	}
	model := models.MeteredUsageModelFromDomain(usage)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to enqueue usage for account %s: %w", usage.AccountID, err)
	}
	usage.ID = model.ID
	return nil
}

// FindPending returns unprocessed reports, oldest first
func (r *GormMeteredUsageRepository) FindPending(ctx context.Context, limit int) ([]billing.MeteredUsage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.MeteredUsageModel
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("reported_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find pending usage: %w", err)
	}

	result := make([]billing.MeteredUsage, len(rows))
	for i := range rows {
		result[i] = rows[i].ToDomain()
	}
	return result, nil
}

// MarkProcessed stamps a report as handled, with the rejection reason if any
func (r *GormMeteredUsageRepository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time, lastError string) error {
	result := r.db.WithContext(ctx).Model(&models.MeteredUsageModel{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]interface{}{
			"processed_at": processedAt.UTC(),
			"last_error":   lastError,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark usage %d processed: %w", id, result.Error)
	}
	return nil
}

// CountPending counts unprocessed reports
func (r *GormMeteredUsageRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.MeteredUsageModel{}).
		Where("processed_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count pending usage: %w", err)
	}
	return count, nil
}

var _ billing.MeteredUsageRepository = (*GormMeteredUsageRepository)(nil)
