package exportpipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

// Stats is a point-in-time copy of the pipeline diagnostics.
type Stats struct {
	Enqueued         int64
	DroppedQueueFull int64
	PendingOverflow  int64
	ExportedSuccess  int64
	ExportedFailed   int64
	ExportedRejected int64
	ShutdownDropped  int64
	Spooled          int64
	QueueDepth       int64
}

// Accounted returns the number of records that reached a terminal outcome or
// are still queued. For a quiescent pipeline it equals Enqueued, plus any
// records offered after shutdown, which are counted as ShutdownDropped.
func (s Stats) Accounted() int64 {
	return s.PendingOverflow + s.ExportedSuccess + s.ExportedFailed +
		s.ExportedRejected + s.ShutdownDropped + s.QueueDepth
}

// MetricsManager owns the pipeline counters and exposes them as observable
// instruments.
type MetricsManager struct {
	enqueued         *atomic.Int64
	droppedQueueFull *atomic.Int64
	pendingOverflow  *atomic.Int64
	exportedSuccess  *atomic.Int64
	exportedFailed   *atomic.Int64
	exportedRejected *atomic.Int64
	shutdownDropped  *atomic.Int64
	spooled          *atomic.Int64
	queueDepth       *atomic.Int64

	meter metric.Meter
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(meter metric.Meter) *MetricsManager {
	return &MetricsManager{
		enqueued:         atomic.NewInt64(0),
		droppedQueueFull: atomic.NewInt64(0),
		pendingOverflow:  atomic.NewInt64(0),
		exportedSuccess:  atomic.NewInt64(0),
		exportedFailed:   atomic.NewInt64(0),
		exportedRejected: atomic.NewInt64(0),
		shutdownDropped:  atomic.NewInt64(0),
		spooled:          atomic.NewInt64(0),
		queueDepth:       atomic.NewInt64(0),
		meter:            meter,
	}
}

type observable struct {
	name        string
	description string
	unit        string
	value       *atomic.Int64
	gauge       bool
}

// RegisterMetrics registers all metrics with the meter
func (m *MetricsManager) RegisterMetrics() error {
	instruments := []observable{
		{"span_export.queue_depth", "Number of spans waiting in the queue", "{spans}", m.queueDepth, true},
		{"span_export.enqueued", "Spans accepted into the queue", "{spans}", m.enqueued, false},
		{"span_export.dropped_queue_full", "Spans dropped because the queue was full", "{spans}", m.droppedQueueFull, false},
		{"span_export.pending_overflow", "Spans dropped when a newer batch replaced the pending one", "{spans}", m.pendingOverflow, false},
		{"span_export.exported_success", "Spans delivered to the collector", "{spans}", m.exportedSuccess, false},
		{"span_export.exported_failed", "Spans dropped after the retry budget was exhausted", "{spans}", m.exportedFailed, false},
		{"span_export.exported_rejected", "Spans dropped after a permanent export failure", "{spans}", m.exportedRejected, false},
		{"span_export.shutdown_dropped", "Spans not delivered before the shutdown deadline", "{spans}", m.shutdownDropped, false},
		{"span_export.spooled", "Spans written to the on-disk spool", "{spans}", m.spooled, false},
	}

	for _, inst := range instruments {
		value := inst.value
		callback := func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(value.Load())
			return nil
		}

		var err error
		if inst.gauge {
			_, err = m.meter.Int64ObservableGauge(
				inst.name,
				metric.WithDescription(inst.description),
				metric.WithUnit(inst.unit),
				metric.WithInt64Callback(callback),
			)
		} else {
			_, err = m.meter.Int64ObservableCounter(
				inst.name,
				metric.WithDescription(inst.description),
				metric.WithUnit(inst.unit),
				metric.WithInt64Callback(callback),
			)
		}
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", inst.name, err)
		}
	}

	return nil
}

// Snapshot reads every counter without modifying them.
func (m *MetricsManager) Snapshot() Stats {
	return Stats{
		Enqueued:         m.enqueued.Load(),
		DroppedQueueFull: m.droppedQueueFull.Load(),
		PendingOverflow:  m.pendingOverflow.Load(),
		ExportedSuccess:  m.exportedSuccess.Load(),
		ExportedFailed:   m.exportedFailed.Load(),
		ExportedRejected: m.exportedRejected.Load(),
		ShutdownDropped:  m.shutdownDropped.Load(),
		Spooled:          m.spooled.Load(),
		QueueDepth:       m.queueDepth.Load(),
	}
}
