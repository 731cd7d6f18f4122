package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBTracingConfig holds configuration for database tracing.
type DBTracingConfig struct {
	Enabled         bool
	LogFullSQL      bool          // include bound variables in db.statement; dev only
	SlowQueryThresh time.Duration // queries slower than this get db.slow_query=true
	DBSystem        string
}

// DefaultDBTracingConfig returns default configuration for database tracing.
func DefaultDBTracingConfig() DBTracingConfig {
	return DBTracingConfig{
		SlowQueryThresh: 200 * time.Millisecond,
		DBSystem:        "postgresql",
	}
}

// DBTracingPlugin installs otelgorm and annotates its spans with row counts,
// slow-query markers and unique-violation status.
type DBTracingPlugin struct {
	config DBTracingConfig
	logger *zap.Logger
}

// NewDBTracingPlugin creates a new database tracing plugin.
func NewDBTracingPlugin(cfg DBTracingConfig, logger *zap.Logger) *DBTracingPlugin {
	if cfg.SlowQueryThresh <= 0 {
		cfg.SlowQueryThresh = DefaultDBTracingConfig().SlowQueryThresh
	}
	return &DBTracingPlugin{config: cfg, logger: logger}
}

// Name implements gorm.Plugin
func (p *DBTracingPlugin) Name() string {
	return "meterline:db_tracing"
}

// Initialize implements gorm.Plugin. It installs otelgorm and the timing
// callbacks, and is a no-op when tracing is disabled.
func (p *DBTracingPlugin) Initialize(db *gorm.DB) error {
	if !p.config.Enabled {
		p.logger.Debug("Database tracing disabled, skipping otelgorm registration")
		return nil
	}

	opts := []otelgorm.Option{otelgorm.WithDBName(p.config.DBSystem)}
	if !p.config.LogFullSQL {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	cb := db.Callback()
	registrations := []error{
		cb.Create().Before("gorm:create").Register("meterline_timing:before_create", markQueryStart),
		cb.Query().Before("gorm:query").Register("meterline_timing:before_query", markQueryStart),
		cb.Update().Before("gorm:update").Register("meterline_timing:before_update", markQueryStart),
		cb.Delete().Before("gorm:delete").Register("meterline_timing:before_delete", markQueryStart),
		cb.Row().Before("gorm:row").Register("meterline_timing:before_row", markQueryStart),
		cb.Raw().Before("gorm:raw").Register("meterline_timing:before_raw", markQueryStart),
		cb.Create().After("gorm:create").Register("meterline_timing:after_create", p.annotateSpan),
		cb.Query().After("gorm:query").Register("meterline_timing:after_query", p.annotateSpan),
		cb.Update().After("gorm:update").Register("meterline_timing:after_update", p.annotateSpan),
		cb.Delete().After("gorm:delete").Register("meterline_timing:after_delete", p.annotateSpan),
		cb.Row().After("gorm:row").Register("meterline_timing:after_row", p.annotateSpan),
		cb.Raw().After("gorm:raw").Register("meterline_timing:after_raw", p.annotateSpan),
	}
	if err := errors.Join(registrations...); err != nil {
		return err
	}

	p.logger.Info("Database tracing enabled",
		zap.Bool("log_full_sql", p.config.LogFullSQL),
		zap.Duration("slow_query_threshold", p.config.SlowQueryThresh),
		zap.String("db_system", p.config.DBSystem),
	)
	return nil
}

func markQueryStart(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartTimeKey, time.Now())
	}
}

func (p *DBTracingPlugin) annotateSpan(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
	}

	// duplicate keys on account_events are expected under concurrent appends
	switch {
	case db.Error == nil, errors.Is(db.Error, gorm.ErrRecordNotFound):
	case errors.Is(db.Error, gorm.ErrDuplicatedKey):
		span.SetAttributes(attribute.Bool("db.unique_violation", true))
	default:
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}

	if start, ok := ctx.Value(queryStartTimeKey).(time.Time); ok {
		if elapsed := time.Since(start); elapsed > p.config.SlowQueryThresh {
			span.SetAttributes(
				attribute.Bool("db.slow_query", true),
				attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
			)
		}
	}
}

var _ gorm.Plugin = (*DBTracingPlugin)(nil)

type contextKey string

const queryStartTimeKey contextKey = "otel_query_start_time"
