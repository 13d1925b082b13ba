package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
)

// Metrics holds the custom metrics instruments for the application.
type Metrics struct {
	RequestCounter   metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	TasksGauge       metric.Int64ObservableGauge
	PropagationSteps metric.Int64Histogram
	FlagChanges      metric.Int64Counter
	CascadeDeleted   metric.Int64Counter
	taskCountFunc    func() int64
}

// newMeterProvider exports metrics over conn every 10 seconds and sets the
// global meter provider.
func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp, nil
}

// NewMetrics creates and registers custom metrics instruments.
func NewMetrics(meter metric.Meter, taskCountFunc func() int64) (*Metrics, error) {
	m := &Metrics{
		taskCountFunc: taskCountFunc,
	}

	var err error

	// Counter for total HTTP requests
	m.RequestCounter, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	// Histogram for request duration
	m.RequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	// Observable gauge for current task count
	m.TasksGauge, err = meter.Int64ObservableGauge(
		"tasks_total",
		metric.WithDescription("Current number of tasks in the system"),
		metric.WithUnit("{task}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.taskCountFunc())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks gauge: %w", err)
	}

	m.PropagationSteps, err = meter.Int64Histogram(
		"task_propagation_steps",
		metric.WithDescription("Ancestors recomputed per propagation walk"),
		metric.WithUnit("{task}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 4, 8, 16, 32, 64),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create propagation histogram: %w", err)
	}

	m.FlagChanges, err = meter.Int64Counter(
		"task_flag_changes_total",
		metric.WithDescription("Ancestors whose derived flags were rewritten"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flag change counter: %w", err)
	}

	m.CascadeDeleted, err = meter.Int64Counter(
		"task_cascade_deleted_total",
		metric.WithDescription("Tasks removed by cascading deletes, including the requested task"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cascade counter: %w", err)
	}

	return m, nil
}

// RecordPropagation records one completed walk. Safe on a nil receiver.
func (m *Metrics) RecordPropagation(ctx context.Context, operation string, steps, changed int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task.operation", operation))
	m.PropagationSteps.Record(ctx, int64(steps), attrs)
	m.FlagChanges.Add(ctx, int64(changed), attrs)
}

// RecordCascade records the size of a committed cascading delete.
func (m *Metrics) RecordCascade(ctx context.Context, deleted int) {
	if m == nil {
		return
	}
	m.CascadeDeleted.Add(ctx, int64(deleted))
}
