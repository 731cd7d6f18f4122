package billing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultRebuildConcurrency bounds parallel replays in RebuildAll
const DefaultRebuildConcurrency = 4

// RebuildReport summarises a RebuildAll run
type RebuildReport struct {
	Accounts int64
	Failed   int64
}

// ProjectionRebuilder overwrites projection rows from a full replay
type ProjectionRebuilder struct {
	store       billing.EventStore
	projections billing.ProjectionRepository
	recorder    ReplayRecorder
	logger      *zap.Logger
	concurrency int
	now         func() time.Time
}

// ProjectionRebuilderConfig configures ProjectionRebuilder
type ProjectionRebuilderConfig struct {
	Store       billing.EventStore
	Projections billing.ProjectionRepository
	Recorder    ReplayRecorder
	Logger      *zap.Logger
	Concurrency int
	Clock       func() time.Time
}

// NewProjectionRebuilder creates a new ProjectionRebuilder
func NewProjectionRebuilder(cfg ProjectionRebuilderConfig) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		store:       cfg.Store,
		projections: cfg.Projections,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		now:         cfg.Clock,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultRebuildConcurrency
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Rebuild replays one account and overwrites its projection row
func (r *ProjectionRebuilder) Rebuild(ctx context.Context, accountID string) (*billing.AccountProjection, error) {
	start := time.Now()
	events, err := r.store.Load(ctx, accountID, 0, billing.LatestVersion)
	if err != nil {
		return nil, err
	}
	if r.recorder != nil {
		r.recorder.RecordReplay(ctx, time.Since(start), len(events))
	}

	projection := billing.ProjectionFromAccount(billing.Replay(accountID, events), r.now())
	if err := r.projections.Upsert(ctx, projection); err != nil {
		return nil, err
	}
	return projection, nil
}

// RebuildAll pages through every account in the event log, batch ids at a
// time. A failed account is logged and counted; it does not stop the run.
// Only a failure to list accounts or context cancellation returns an error.
func (r *ProjectionRebuilder) RebuildAll(ctx context.Context, batch int) (*RebuildReport, error) {
	if batch <= 0 {
		batch = 100
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "billing_projection", "rebuild_all")
	defer span.End()

	var report RebuildReport
	var failed atomic.Int64
	after := ""
	for {
		ids, err := r.store.ListAccountIDs(ctx, after, batch)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for _, id := range ids {
			g.Go(func() error {
				if _, err := r.Rebuild(gctx, id); err != nil {
					failed.Add(1)
					r.logger.Error("Failed to rebuild projection",
						zap.String("account_id", id),
						zap.Error(err),
					)
				}
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		report.Accounts += int64(len(ids))
		after = ids[len(ids)-1]
		if len(ids) < batch {
			break
		}
	}

	report.Failed = failed.Load()
	telemetry.SetAttributes(span, "billing.accounts", report.Accounts, "billing.failed", report.Failed)
	r.logger.Info("Rebuilt account projections",
		zap.Int64("accounts", report.Accounts),
		zap.Int64("failed", report.Failed),
	)
	return &report, nil
}
