package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/meterline/backend/internal/domain/billing"
)

// EventRecordModel is one row of an account's append-only event stream.
// The (account_id, version) unique index is what makes concurrent appends
// at the same expected version fail.
type EventRecordModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	EventID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_account_events_event_id"`
	AccountID string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_account_events_stream,priority:1"`
	Version   int64     `gorm:"not null;uniqueIndex:idx_account_events_stream,priority:2"`
	TypeTag   string    `gorm:"column:type_tag;type:varchar(64);not null"`
	Payload   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_account_events_created_at"`
}

// TableName returns the table name for GORM
func (EventRecordModel) TableName() string {
	return "account_events"
}

// AccountProjectionModel is the denormalized read model row
type AccountProjectionModel struct {
	AccountID              string    `gorm:"type:varchar(128);primaryKey"`
	State                  string    `gorm:"type:varchar(32);not null;index:idx_billing_accounts_state"`
	UsageBalance           int64     `gorm:"not null;default:0"`
	MonthlyCreditAllotment int64     `gorm:"not null;default:0"`
	MonthlyCreditsUsed     int64     `gorm:"not null;default:0"`
	Version                int64     `gorm:"not null;default:0"`
	UpdatedAt              time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (AccountProjectionModel) TableName() string {
	return "billing_accounts"
}

// ToDomain converts the row to a domain projection. Unknown stored states
// degrade to NEW rather than failing the read.
func (m *AccountProjectionModel) ToDomain() *billing.AccountProjection {
	state, err := billing.ParseAccountState(m.State)
	if err != nil {
		state = billing.StateNew
	}
	return &billing.AccountProjection{
		AccountID:              m.AccountID,
		State:                  state,
		UsageBalance:           m.UsageBalance,
		MonthlyCreditAllotment: m.MonthlyCreditAllotment,
		MonthlyCreditsUsed:     m.MonthlyCreditsUsed,
		Version:                m.Version,
		UpdatedAt:              m.UpdatedAt,
	}
}

// AccountProjectionModelFromDomain creates a row from a domain projection
func AccountProjectionModelFromDomain(p *billing.AccountProjection) *AccountProjectionModel {
	return &AccountProjectionModel{
		AccountID:              p.AccountID,
		State:                  p.State.String(),
		UsageBalance:           p.UsageBalance,
		MonthlyCreditAllotment: p.MonthlyCreditAllotment,
		MonthlyCreditsUsed:     p.MonthlyCreditsUsed,
		Version:                p.Version,
		UpdatedAt:              p.UpdatedAt,
	}
}

// MeteredUsageModel is a staged usage report from the metering pipeline
type MeteredUsageModel struct {
	ID          int64      `gorm:"primaryKey;autoIncrement"`
	AccountID   string     `gorm:"type:varchar(128);not null;index:idx_metered_usage_account"`
	Amount      int64      `gorm:"not null"`
	SourceRef   string     `gorm:"type:varchar(255)"`
	ReportedAt  time.Time  `gorm:"not null;index:idx_metered_usage_pending,priority:2"`
	ProcessedAt *time.Time `gorm:"index:idx_metered_usage_pending,priority:1"`
	LastError   string     `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (MeteredUsageModel) TableName() string {
	return "metered_usage"
}

// ToDomain converts the row to a domain usage report
func (m *MeteredUsageModel) ToDomain() billing.MeteredUsage {
	return billing.MeteredUsage{
		ID:          m.ID,
		AccountID:   m.AccountID,
		Amount:      m.Amount,
		SourceRef:   m.SourceRef,
		ReportedAt:  m.ReportedAt,
		ProcessedAt: m.ProcessedAt,
		LastError:   m.LastError,
	}
}

// MeteredUsageModelFromDomain creates a row from a domain usage report
func MeteredUsageModelFromDomain(u *billing.MeteredUsage) *MeteredUsageModel {
	return &MeteredUsageModel{
		ID:          u.ID,
		AccountID:   u.AccountID,
		Amount:      u.Amount,
		SourceRef:   u.SourceRef,
		ReportedAt:  u.ReportedAt,
		ProcessedAt: u.ProcessedAt,
		LastError:   u.LastError,
	}
}

// AllModels lists every model for AutoMigrate in development and tests
func AllModels() []interface{} {
	return []interface{}{
		&EventRecordModel{},
		&AccountProjectionModel{},
		&MeteredUsageModel{},
	}
}
