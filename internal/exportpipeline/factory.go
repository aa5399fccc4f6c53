package exportpipeline

import (
	"context"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/exporter"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/zap"
)

// componentType is the name the exporter is configured under.
var componentType = component.MustNewType("spanbatch")

// NewFactory returns a new factory for the span batch exporter.
func NewFactory() exporter.Factory {
	return exporter.NewFactory(
		componentType,
		createDefaultConfig,
		exporter.WithTraces(createTracesExporter, component.StabilityLevelBeta),
	)
}

// createTracesExporter creates a traces exporter based on this config.
func createTracesExporter(
	ctx context.Context,
	params exporter.Settings,
	cfg component.Config,
) (exporter.Traces, error) {
	coordinator, err := NewCoordinator(ctx, params.TelemetrySettings, cfg.(*Config), nil)
	if err != nil {
		return nil, err
	}
	return &tracesExporter{
		coordinator: coordinator,
		logger:      params.Logger,
	}, nil
}

// tracesExporter feeds collector pipeline data into a Coordinator.
type tracesExporter struct {
	coordinator *Coordinator
	logger      *zap.Logger
}

var _ exporter.Traces = (*tracesExporter)(nil)

// Start implements the Component interface
func (e *tracesExporter) Start(ctx context.Context, _ component.Host) error {
	return e.coordinator.Start(ctx)
}

// Shutdown implements the Component interface
func (e *tracesExporter) Shutdown(ctx context.Context) error {
	res := e.coordinator.Shutdown(ctx)
	if !res.Flushed {
		e.logger.Warn("Exporter stopped with undelivered spans", zap.Int("remaining", res.Remaining))
	}
	return nil
}

// Capabilities implements the consumer interface
func (e *tracesExporter) Capabilities() consumer.Capabilities {
	return consumer.Capabilities{MutatesData: false}
}

// ConsumeTraces enqueues every span. Drops are counted, never returned, so
// upstream components are not slowed by export pressure.
func (e *tracesExporter) ConsumeTraces(_ context.Context, td ptrace.Traces) error {
	for _, rec := range FromTraces(td) {
		e.coordinator.Enqueue(rec)
	}
	return nil
}
