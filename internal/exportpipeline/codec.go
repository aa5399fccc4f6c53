package exportpipeline

import (
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

// Encodings understood by the codec.
const (
	EncodingProto = "proto"
	EncodingJSON  = "json"
)

// Codec converts batches to and from the OTLP trace wire format. The resource
// and scope are per-process settings stamped on every batch.
type Codec struct {
	encoding     string
	resource     map[string]string
	resourceKeys []string
	scopeName    string
	scopeVersion string
}

// NewCodec creates a codec for the given encoding.
func NewCodec(encoding string, resource map[string]string, scopeName, scopeVersion string) (*Codec, error) {
	if encoding != EncodingProto && encoding != EncodingJSON {
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	keys := make([]string, 0, len(resource))
	for k := range resource {
		keys = append(keys, k)
	}
	// map order is random; the wire form must not be
	sort.Strings(keys)

	return &Codec{
		encoding:     encoding,
		resource:     resource,
		resourceKeys: keys,
		scopeName:    scopeName,
		scopeVersion: scopeVersion,
	}, nil
}

// ContentType returns the HTTP content type for encoded payloads.
func (c *Codec) ContentType() string {
	if c.encoding == EncodingJSON {
		return "application/json"
	}
	return "application/x-protobuf"
}

// Marshal encodes a batch.
func (c *Codec) Marshal(batch Batch) ([]byte, error) {
	td := c.ToTraces(batch)

	var (
		data []byte
		err  error
	)
	if c.encoding == EncodingJSON {
		data, err = (&ptrace.JSONMarshaler{}).MarshalTraces(td)
	} else {
		data, err = (&ptrace.ProtoMarshaler{}).MarshalTraces(td)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %d spans: %w", batch.Len(), err)
	}
	return data, nil
}

// Unmarshal decodes a payload produced by Marshal.
func (c *Codec) Unmarshal(data []byte) (Batch, error) {
	var (
		td  ptrace.Traces
		err error
	)
	if c.encoding == EncodingJSON {
		td, err = (&ptrace.JSONUnmarshaler{}).UnmarshalTraces(data)
	} else {
		td, err = (&ptrace.ProtoUnmarshaler{}).UnmarshalTraces(data)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("failed to unmarshal traces: %w", err)
	}
	return Batch{Records: FromTraces(td)}, nil
}

// ToTraces builds the pdata representation of a batch.
func (c *Codec) ToTraces(batch Batch) ptrace.Traces {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()

	attrs := rs.Resource().Attributes()
	attrs.EnsureCapacity(len(c.resourceKeys))
	for _, k := range c.resourceKeys {
		attrs.PutStr(k, c.resource[k])
	}

	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName(c.scopeName)
	ss.Scope().SetVersion(c.scopeVersion)

	spans := ss.Spans()
	spans.EnsureCapacity(batch.Len())
	for _, rec := range batch.Records {
		recordToSpan(rec, spans.AppendEmpty())
	}
	return td
}

// FromTraces flattens every span in td into records, in document order.
func FromTraces(td ptrace.Traces) []SpanRecord {
	records := make([]SpanRecord, 0, td.SpanCount())

	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		ilss := rss.At(i).ScopeSpans()
		for j := 0; j < ilss.Len(); j++ {
			spans := ilss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				records = append(records, spanToRecord(spans.At(k)))
			}
		}
	}
	return records
}

func recordToSpan(rec SpanRecord, span ptrace.Span) {
	span.SetTraceID(rec.TraceID)
	span.SetSpanID(rec.SpanID)
	span.SetParentSpanID(rec.ParentSpanID)
	span.SetName(rec.Name)
	span.SetKind(ptrace.SpanKind(rec.Kind))
	span.SetStartTimestamp(toTimestamp(rec.StartTime))
	span.SetEndTimestamp(toTimestamp(rec.EndTime))

	if rec.Status.Code == StatusError {
		span.Status().SetCode(ptrace.StatusCodeError)
	} else {
		span.Status().SetCode(ptrace.StatusCodeOk)
	}
	span.Status().SetMessage(rec.Status.Message)

	putAttributes(span.Attributes(), rec.Attributes)

	events := span.Events()
	events.EnsureCapacity(len(rec.Events))
	for _, ev := range rec.Events {
		e := events.AppendEmpty()
		e.SetTimestamp(toTimestamp(ev.Time))
		e.SetName(ev.Name)
		putAttributes(e.Attributes(), ev.Attributes)
	}
}

func spanToRecord(span ptrace.Span) SpanRecord {
	rec := SpanRecord{
		TraceID:      span.TraceID(),
		SpanID:       span.SpanID(),
		ParentSpanID: span.ParentSpanID(),
		Name:         span.Name(),
		Kind:         SpanKind(span.Kind()),
		StartTime:    fromTimestamp(span.StartTimestamp()),
		EndTime:      fromTimestamp(span.EndTimestamp()),
		Status: Status{
			Code:    StatusOK,
			Message: span.Status().Message(),
		},
		Attributes: getAttributes(span.Attributes()),
	}
	if span.Status().Code() == ptrace.StatusCodeError {
		rec.Status.Code = StatusError
	}

	events := span.Events()
	if events.Len() > 0 {
		rec.Events = make([]Event, 0, events.Len())
		for i := 0; i < events.Len(); i++ {
			e := events.At(i)
			rec.Events = append(rec.Events, Event{
				Time:       fromTimestamp(e.Timestamp()),
				Name:       e.Name(),
				Attributes: getAttributes(e.Attributes()),
			})
		}
	}
	return rec
}

func putAttributes(dest pcommon.Map, attrs []Attribute) {
	dest.EnsureCapacity(len(attrs))
	for _, a := range attrs {
		switch a.Value.Type {
		case ValueTypeInt:
			dest.PutInt(a.Key, a.Value.Int)
		case ValueTypeDouble:
			dest.PutDouble(a.Key, a.Value.Dbl)
		case ValueTypeBool:
			dest.PutBool(a.Key, a.Value.Bool)
		default:
			dest.PutStr(a.Key, a.Value.Str)
		}
	}
}

func getAttributes(src pcommon.Map) []Attribute {
	if src.Len() == 0 {
		return nil
	}
	attrs := make([]Attribute, 0, src.Len())
	src.Range(func(k string, v pcommon.Value) bool {
		var val Value
		switch v.Type() {
		case pcommon.ValueTypeInt:
			val = IntValue(v.Int())
		case pcommon.ValueTypeDouble:
			val = DoubleValue(v.Double())
		case pcommon.ValueTypeBool:
			val = BoolValue(v.Bool())
		case pcommon.ValueTypeStr:
			val = StringValue(v.Str())
		default:
			// maps, slices and bytes are flattened to their string form
			val = StringValue(v.AsString())
		}
		attrs = append(attrs, Attribute{Key: k, Value: val})
		return true
	})
	return attrs
}

// OTLP reserves timestamp 0 for unset, so the zero Time maps to it. A record
// stamped exactly at the Unix epoch shares that encoding and decodes as the
// zero Time.
func toTimestamp(t time.Time) pcommon.Timestamp {
	if t.IsZero() {
		return 0
	}
	return pcommon.Timestamp(uint64(t.UnixNano()))
}

func fromTimestamp(ts pcommon.Timestamp) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts))
}
