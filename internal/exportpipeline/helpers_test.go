package exportpipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/component/componenttest"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// generateRecord creates a finished span record from an integer
func generateRecord(id int) SpanRecord {
	start := time.Unix(1700000000, int64(id)*1000)
	return SpanRecord{
		TraceID:   generateTraceID(id),
		SpanID:    generateSpanID(id),
		Name:      fmt.Sprintf("span-%d", id),
		Kind:      SpanKindServer,
		StartTime: start,
		EndTime:   start.Add(50 * time.Millisecond),
		Attributes: []Attribute{
			{Key: "http.method", Value: StringValue("GET")},
			{Key: "http.status_code", Value: IntValue(200)},
		},
	}
}

// generateTraceID creates a trace ID from an integer
func generateTraceID(id int) pcommon.TraceID {
	var traceID [16]byte
	for i := 0; i < 16; i++ {
		traceID[i] = byte((id + i) % 256)
	}
	return pcommon.TraceID(traceID)
}

// generateSpanID creates a span ID from an integer
func generateSpanID(id int) pcommon.SpanID {
	var spanID [8]byte
	for i := 0; i < 8; i++ {
		spanID[i] = byte((id + i) % 256)
	}
	return pcommon.SpanID(spanID)
}

// generateTraces creates collector trace data with numSpans spans
func generateTraces(numSpans int) ptrace.Traces {
	traces := ptrace.NewTraces()
	rs := traces.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "test-service")

	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName("test-scope")

	for i := 0; i < numSpans; i++ {
		span := ss.Spans().AppendEmpty()
		span.SetName(fmt.Sprintf("span-%d", i))
		span.SetTraceID(generateTraceID(i))
		span.SetSpanID(generateSpanID(i))
		span.SetStartTimestamp(pcommon.NewTimestampFromTime(time.Now()))
		span.SetEndTimestamp(pcommon.NewTimestampFromTime(time.Now().Add(time.Millisecond)))
	}
	return traces
}

// exportCall records one invocation of the fake exporter
type exportCall struct {
	batch Batch
	start time.Time
	end   time.Time
}

// fakeExporter returns scripted results and records every call
type fakeExporter struct {
	mu      sync.Mutex
	calls   []exportCall
	results []ExportResult // consumed in order, the last one repeats
	delay   time.Duration

	inflight    *atomic.Int32
	maxInflight *atomic.Int32
	shutdown    *atomic.Bool
}

func newFakeExporter(results ...ExportResult) *fakeExporter {
	if len(results) == 0 {
		results = []ExportResult{success()}
	}
	return &fakeExporter{
		results:     results,
		inflight:    atomic.NewInt32(0),
		maxInflight: atomic.NewInt32(0),
		shutdown:    atomic.NewBool(false),
	}
}

func (f *fakeExporter) Export(ctx context.Context, batch Batch) ExportResult {
	n := f.inflight.Inc()
	defer f.inflight.Dec()
	for {
		max := f.maxInflight.Load()
		if n <= max || f.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}

	start := time.Now()
	var res ExportResult
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			res = retryable(ctx.Err(), 0)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if res.Err == nil {
		idx := len(f.calls)
		if idx >= len(f.results) {
			idx = len(f.results) - 1
		}
		res = f.results[idx]
	}
	f.calls = append(f.calls, exportCall{batch: batch, start: start, end: time.Now()})
	return res
}

func (f *fakeExporter) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	return nil
}

func (f *fakeExporter) Calls() []exportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exportCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// newTestConfig returns a valid config with short timings
func newTestConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.MaxQueueSize = 100
	cfg.MaxExportBatchSize = 10
	cfg.BatchInterval = 50 * time.Millisecond
	cfg.Timeout = time.Second
	cfg.Retry = RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		Multiplier:          2,
		MaxInterval:         40 * time.Millisecond,
		RandomizationFactor: 0.2,
		MaxAttempts:         3,
		MaxElapsedTime:      5 * time.Second,
	}
	return cfg
}

func newTestCoordinator(t *testing.T, cfg *Config, exp Exporter) *Coordinator {
	t.Helper()
	set := componenttest.NewNopTelemetrySettings()
	set.Logger = zap.NewNop()

	c, err := NewCoordinator(context.Background(), set, cfg, exp)
	require.NoError(t, err)
	return c
}
