package exportpipeline

import (
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
)

// StatusCode is the final status of a span.
type StatusCode int

const (
	// StatusOK marks a span that completed successfully.
	StatusOK StatusCode = iota
	// StatusError marks a span that ended with an error.
	StatusError
)

// Status is the outcome of the traced operation.
type Status struct {
	Code    StatusCode
	Message string
}

// SpanKind mirrors the OTLP span kind.
type SpanKind int

const (
	SpanKindUnspecified SpanKind = iota
	SpanKindInternal
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// ValueType identifies which member of a Value is set.
type ValueType int

const (
	ValueTypeStr ValueType = iota
	ValueTypeInt
	ValueTypeDouble
	ValueTypeBool
)

// Value is an attribute value. Exactly one of the typed fields is meaningful,
// selected by Type.
type Value struct {
	Type ValueType
	Str  string
	Int  int64
	Dbl  float64
	Bool bool
}

// StringValue returns a string attribute value.
func StringValue(v string) Value { return Value{Type: ValueTypeStr, Str: v} }

// IntValue returns an integer attribute value.
func IntValue(v int64) Value { return Value{Type: ValueTypeInt, Int: v} }

// DoubleValue returns a float attribute value.
func DoubleValue(v float64) Value { return Value{Type: ValueTypeDouble, Dbl: v} }

// BoolValue returns a boolean attribute value.
func BoolValue(v bool) Value { return Value{Type: ValueTypeBool, Bool: v} }

// String renders the value regardless of type, mostly for logging.
func (v Value) String() string {
	switch v.Type {
	case ValueTypeInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueTypeDouble:
		return strconv.FormatFloat(v.Dbl, 'g', -1, 64)
	case ValueTypeBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Attribute is a single key/value pair. Keys are unique within a span.
type Attribute struct {
	Key   string
	Value Value
}

// Event is a timestamped annotation recorded during a span.
type Event struct {
	Time       time.Time
	Name       string
	Attributes []Attribute
}

// SpanRecord is a finished span as handed to the pipeline. Records are never
// mutated after they have been enqueued.
type SpanRecord struct {
	TraceID      pcommon.TraceID
	SpanID       pcommon.SpanID
	ParentSpanID pcommon.SpanID // empty for root spans
	Name         string
	Kind         SpanKind
	StartTime    time.Time
	EndTime      time.Time
	Status       Status
	Attributes   []Attribute
	Events       []Event
}

// IsRoot reports whether the span has no parent.
func (r SpanRecord) IsRoot() bool {
	return r.ParentSpanID.IsEmpty()
}

// Duration returns the span duration. When both times carry a monotonic
// reading the monotonic clock is used.
func (r SpanRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// String is used in debug logs.
func (r SpanRecord) String() string {
	return fmt.Sprintf("%s trace=%s span=%s", r.Name, r.TraceID, r.SpanID)
}

// normalized returns a copy that satisfies end >= start.
func (r SpanRecord) normalized() SpanRecord {
	if r.EndTime.Before(r.StartTime) {
		r.EndTime = r.StartTime
	}
	return r
}

// Batch is an ordered group of records exported in one call.
type Batch struct {
	Records []SpanRecord
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}
