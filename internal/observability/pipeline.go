package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "deckplane"

// PipelineMetrics records run and stage instruments on the global meter provider.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	runs          metric.Int64Counter
	stageAttempts metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// NewPipelineMetrics creates the run and stage instruments.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter(meterName)

	runs, err := meter.Int64Counter("deckplane.runs",
		metric.WithDescription("Finished pipeline runs by status"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	attempts, err := meter.Int64Counter("deckplane.stage.attempts",
		metric.WithDescription("Stage attempts by stage and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create stage attempts counter: %w", err)
	}
	duration, err := meter.Float64Histogram("deckplane.stage.duration",
		metric.WithDescription("Duration of stage attempts"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create stage duration histogram: %w", err)
	}

	return &PipelineMetrics{runs: runs, stageAttempts: attempts, stageDuration: duration}, nil
}

// RunFinished counts a terminal run.
func (m *PipelineMetrics) RunFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// StageAttempt records one attempt. outcome is "succeeded" or a failure kind.
func (m *PipelineMetrics) StageAttempt(ctx context.Context, stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)
	m.stageAttempts.Add(ctx, 1, attrs)
	m.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RegisterTrackedContainers exports count as the deckplane.containers.tracked gauge.
func RegisterTrackedContainers(count func() int) error {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge("deckplane.containers.tracked",
		metric.WithDescription("Worker containers currently owned by the process"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("register tracked containers gauge: %w", err)
	}
	return nil
}
