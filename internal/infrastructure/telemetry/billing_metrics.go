package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Command outcomes used as the outcome attribute.
const (
	OutcomeOK          = "ok"
	OutcomeDomainError = "domain_error"
	OutcomeConflict    = "conflict"
	OutcomeError       = "error"
)

// ErrMeterNil is returned when no meter is supplied.
var ErrMeterNil = errors.New("NewBillingMetrics: meter cannot be nil")

// BillingMetrics records billing engine activity. It also subscribes to the
// event bus so every committed event is counted once.
type BillingMetrics struct {
	logger *zap.Logger

	commands         *Counter
	commandDuration  *Histogram
	eventsCommitted  *Counter
	stateTransitions *Counter
	corruptSkipped   *Counter
	replayDuration   *Histogram
	replayLength     *Histogram
	jobRuns          *Counter
}

// NewBillingMetrics creates the billing instruments on meter.
func NewBillingMetrics(meter metric.Meter, logger *zap.Logger) (*BillingMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &BillingMetrics{logger: logger}
	var err error

	if m.commands, err = NewCounter(meter, "billing.commands",
		"Billing commands handled, by command and outcome", "{commands}"); err != nil {
		return nil, err
	}
	if m.commandDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing.command.duration",
		Description: "Time to load, decide and append for one command",
		Unit:        "s",
		Boundaries:  CommandDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.eventsCommitted, err = NewCounter(meter, "billing.events.committed",
		"Events appended to account streams, by type", "{events}"); err != nil {
		return nil, err
	}
	if m.stateTransitions, err = NewCounter(meter, "billing.state.transitions",
		"Committed state transitions, by target state and reason", "{transitions}"); err != nil {
		return nil, err
	}
	if m.corruptSkipped, err = NewCounter(meter, "billing.events.corrupt_skipped",
		"Stored records skipped during load because they could not be decoded", "{records}"); err != nil {
		return nil, err
	}
	if m.replayDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing.replay.duration",
		Description: "Time to load and fold an account stream",
		Unit:        "s",
		Boundaries:  ReplayDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.replayLength, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing.replay.events",
		Description: "Number of events folded per replay",
		Unit:        "{events}",
		Boundaries:  ReplayLengthBuckets,
	}); err != nil {
		return nil, err
	}
	if m.jobRuns, err = NewCounter(meter, "billing.job.runs",
		"Scheduled job executions, by job and outcome", "{runs}"); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordCommand records one command execution. Domain rejections also carry
// their error code.
func (m *BillingMetrics) RecordCommand(ctx context.Context, command string, d time.Duration, err error) {
	outcome := CommandOutcome(err)
	attrs := []attribute.KeyValue{AttrCommand.String(command), AttrOutcome.String(outcome)}
	var domainErr *shared.DomainError
	if outcome == OutcomeDomainError && errors.As(err, &domainErr) {
		attrs = append(attrs, AttrErrorCode.String(domainErr.Code))
	}
	m.commands.Inc(ctx, attrs...)
	m.commandDuration.RecordDuration(ctx, d, AttrCommand.String(command), AttrOutcome.String(outcome))
}

// RecordCorruptRecord counts a stored record that failed to decode.
func (m *BillingMetrics) RecordCorruptRecord(ctx context.Context, eventType string) {
	m.corruptSkipped.Inc(ctx, AttrEventType.String(eventType))
}

// RecordReplay records the cost of rebuilding one account.
func (m *BillingMetrics) RecordReplay(ctx context.Context, d time.Duration, events int) {
	m.replayDuration.RecordDuration(ctx, d)
	m.replayLength.Record(ctx, float64(events))
}

// RecordJobRun records a scheduler tick.
func (m *BillingMetrics) RecordJobRun(ctx context.Context, job string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.jobRuns.Inc(ctx, AttrJob.String(job), AttrOutcome.String(outcome))
}

// EventTypes subscribes to every event type.
func (m *BillingMetrics) EventTypes() []string {
	return nil
}

// Handle counts a committed event.
func (m *BillingMetrics) Handle(ctx context.Context, event shared.DomainEvent) error {
	m.eventsCommitted.Inc(ctx, AttrEventType.String(event.EventType()))
	if t, ok := event.(*billing.StateTransitionEvent); ok {
		m.stateTransitions.Inc(ctx, AttrState.String(t.To.String()), AttrReason.String(reasonLabel(t.Reason)))
	}
	return nil
}

// CommandOutcome maps a command error to a low-cardinality label.
func CommandOutcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, shared.ErrConcurrencyConflict) {
		return OutcomeConflict
	}
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		return OutcomeDomainError
	}
	return OutcomeError
}

// reasonLabel strips the reference suffix some reasons carry.
func reasonLabel(reason string) string {
	label, _, _ := strings.Cut(reason, ":")
	return label
}

var _ shared.EventHandler = (*BillingMetrics)(nil)
