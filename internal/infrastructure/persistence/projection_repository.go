package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormProjectionRepository implements billing.ProjectionRepository
type GormProjectionRepository struct {
	db *gorm.DB
}

// NewGormProjectionRepository creates a new projection repository
func NewGormProjectionRepository(db *gorm.DB) *GormProjectionRepository {
	return &GormProjectionRepository{db: db}
}

// newerProjectionOnly keeps a replay that finished late from replacing a row
// written from a longer stream
var newerProjectionOnly = clause.Where{Exprs: []clause.Expression{
	clause.Expr{SQL: "billing_accounts.version <= excluded.version"},
}}

// Upsert writes the projection row for the account. A row already at a
// higher version is left as is.
func (r *GormProjectionRepository) Upsert(ctx context.Context, p *billing.AccountProjection) error {
	model := models.AccountProjectionModelFromDomain(p)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		Where:   newerProjectionOnly,
		DoUpdates: clause.AssignmentColumns([]string{
			"state",
			"usage_balance",
			"monthly_credit_allotment",
			"monthly_credits_used",
			"version",
			"updated_at",
		}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to upsert projection for account %s: %w", p.AccountID, err)
	}
	return nil
}

// FindByAccountID returns the projection row or shared.ErrNotFound
func (r *GormProjectionRepository) FindByAccountID(ctx context.Context, accountID string) (*billing.AccountProjection, error) {
	var model models.AccountProjectionModel
	if err := r.db.WithContext(ctx).First(&model, "account_id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ListAccountIDsByStates pages through accounts in the given projected states
func (r *GormProjectionRepository) ListAccountIDsByStates(ctx context.Context, states []billing.AccountState, afterAccountID string, limit int) ([]string, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}

	var ids []string
	err := r.db.WithContext(ctx).Model(&models.AccountProjectionModel{}).
		Where("state IN ? AND account_id > ?", names, afterAccountID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts by state: %w", err)
	}
	return ids, nil
}

var _ billing.ProjectionRepository = (*GormProjectionRepository)(nil)
