package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockUsageIngester struct {
	mock.Mock
}

func (m *mockUsageIngester) IngestPending(ctx context.Context, batch int) (*billingapp.IngestReport, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billingapp.IngestReport), args.Error(1)
}

func TestUsageIngestionSchedulerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultUsageIngestionSchedulerConfig().Validate())

	cfg := DefaultUsageIngestionSchedulerConfig()
	cfg.Interval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultUsageIngestionSchedulerConfig()
	cfg.BatchSize = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestUsageIngestionScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultUsageIngestionSchedulerConfig()
	cfg.BatchSize = 50

	t.Run("success", func(t *testing.T) {
		ingester := new(mockUsageIngester)
		ingester.On("IngestPending", mock.Anything, 50).Return(&billingapp.IngestReport{Processed: 3}, nil).Once()
		recorder := new(mockJobRecorder)
		recorder.On("RecordJobRun", mock.Anything, JobUsageIngestion, nil).Once()

		s := NewUsageIngestionScheduler(ingester, recorder, zaptest.NewLogger(t), cfg)
		report, err := s.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Processed)
		recorder.AssertExpectations(t)
	})

	t.Run("failure", func(t *testing.T) {
		ingester := new(mockUsageIngester)
		ingester.On("IngestPending", mock.Anything, 50).Return(nil, errors.New("db down")).Once()
		recorder := new(mockJobRecorder)
		recorder.On("RecordJobRun", mock.Anything, JobUsageIngestion, mock.MatchedBy(func(err error) bool {
			return err != nil
		})).Once()

		s := NewUsageIngestionScheduler(ingester, recorder, nil, cfg)
		_, err := s.RunOnce(ctx)
		assert.EqualError(t, err, "db down")
		recorder.AssertExpectations(t)
	})

	t.Run("run is bounded by the job timeout", func(t *testing.T) {
		cfg := cfg
		cfg.JobTimeout = time.Second
		ingester := new(mockUsageIngester)
		ingester.On("IngestPending", mock.MatchedBy(func(ctx context.Context) bool {
			deadline, ok := ctx.Deadline()
			return ok && time.Until(deadline) <= time.Second
		}), 50).Return(&billingapp.IngestReport{}, nil).Once()

		s := NewUsageIngestionScheduler(ingester, nil, nil, cfg)
		_, err := s.RunOnce(ctx)
		require.NoError(t, err)
		ingester.AssertExpectations(t)
	})
}

func TestUsageIngestionScheduler_Loop(t *testing.T) {
	cfg := DefaultUsageIngestionSchedulerConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.BatchSize = 5

	ran := make(chan struct{}, 10)
	ingester := new(mockUsageIngester)
	ingester.On("IngestPending", mock.Anything, 5).
		Run(func(mock.Arguments) {
			select {
			case ran <- struct{}{}:
			default:
			}
		}).
		Return(&billingapp.IngestReport{}, nil)

	s := NewUsageIngestionScheduler(ingester, nil, nil, cfg)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("ingestion did not run")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(stopCtx), "stopping twice is a no-op")
	assert.ErrorIs(t, s.TriggerImmediate(ctx), ErrSchedulerNotRunning)
}

func TestUsageIngestionScheduler_Disabled(t *testing.T) {
	cfg := DefaultUsageIngestionSchedulerConfig()
	cfg.Enabled = false
	s := NewUsageIngestionScheduler(new(mockUsageIngester), nil, nil, cfg)
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
}
