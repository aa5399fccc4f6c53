package exportpipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanProcessor plugs a Coordinator into an OpenTelemetry SDK tracer
// provider. Ended, sampled spans are enqueued; nothing else is done on the
// calling goroutine.
type SpanProcessor struct {
	coordinator *Coordinator
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

// NewSpanProcessor creates a span processor backed by c.
func NewSpanProcessor(c *Coordinator) *SpanProcessor {
	return &SpanProcessor{coordinator: c}
}

// OnStart implements sdktrace.SpanProcessor
func (p *SpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd implements sdktrace.SpanProcessor
func (p *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if !s.SpanContext().IsSampled() {
		return
	}
	p.coordinator.Enqueue(recordFromSDKSpan(s))
}

// ForceFlush implements sdktrace.SpanProcessor
func (p *SpanProcessor) ForceFlush(ctx context.Context) error {
	if !p.coordinator.Flush(ctx) {
		return fmt.Errorf("span queue not fully flushed: %d spans remaining", p.coordinator.queue.Len())
	}
	return nil
}

// Shutdown implements sdktrace.SpanProcessor
func (p *SpanProcessor) Shutdown(ctx context.Context) error {
	res := p.coordinator.Shutdown(ctx)
	if res.Remaining > 0 {
		return fmt.Errorf("shutdown dropped %d spans", res.Remaining)
	}
	return nil
}

func recordFromSDKSpan(s sdktrace.ReadOnlySpan) SpanRecord {
	sc := s.SpanContext()
	rec := SpanRecord{
		TraceID:    pcommon.TraceID(sc.TraceID()),
		SpanID:     pcommon.SpanID(sc.SpanID()),
		Name:       s.Name(),
		Kind:       SpanKind(s.SpanKind()),
		StartTime:  s.StartTime(),
		EndTime:    s.EndTime(),
		Attributes: fromKeyValues(s.Attributes()),
	}
	if parent := s.Parent(); parent.HasSpanID() {
		rec.ParentSpanID = pcommon.SpanID(parent.SpanID())
	}

	status := s.Status()
	rec.Status.Message = status.Description
	if status.Code == codes.Error {
		rec.Status.Code = StatusError
	}

	if events := s.Events(); len(events) > 0 {
		rec.Events = make([]Event, 0, len(events))
		for _, ev := range events {
			rec.Events = append(rec.Events, Event{
				Time:       ev.Time,
				Name:       ev.Name,
				Attributes: fromKeyValues(ev.Attributes),
			})
		}
	}
	return rec
}

func fromKeyValues(kvs []attribute.KeyValue) []Attribute {
	if len(kvs) == 0 {
		return nil
	}
	attrs := make([]Attribute, 0, len(kvs))
	for _, kv := range kvs {
		var val Value
		switch kv.Value.Type() {
		case attribute.INT64:
			val = IntValue(kv.Value.AsInt64())
		case attribute.FLOAT64:
			val = DoubleValue(kv.Value.AsFloat64())
		case attribute.BOOL:
			val = BoolValue(kv.Value.AsBool())
		case attribute.STRING:
			val = StringValue(kv.Value.AsString())
		default:
			val = StringValue(kv.Value.Emit())
		}
		attrs = append(attrs, Attribute{Key: string(kv.Key), Value: val})
	}
	return attrs
}
