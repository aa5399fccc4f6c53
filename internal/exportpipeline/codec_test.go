package exportpipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

func richRecord() SpanRecord {
	rec := generateRecord(7)
	rec.ParentSpanID = generateSpanID(3)
	rec.Kind = SpanKindClient
	rec.Status = Status{Code: StatusError, Message: "upstream timeout"}
	rec.Attributes = []Attribute{
		{Key: "db.system", Value: StringValue("postgresql")},
		{Key: "db.rows", Value: IntValue(42)},
		{Key: "db.latency_ratio", Value: DoubleValue(0.75)},
		{Key: "db.cached", Value: BoolValue(true)},
	}
	rec.Events = []Event{
		{
			Time:       rec.StartTime.Add(10 * time.Millisecond),
			Name:       "retry",
			Attributes: []Attribute{{Key: "attempt", Value: IntValue(2)}},
		},
	}
	return rec
}

func TestCodecRoundTrip(t *testing.T) {
	for _, encoding := range []string{EncodingProto, EncodingJSON} {
		t.Run(encoding, func(t *testing.T) {
			codec, err := NewCodec(encoding, map[string]string{"service.name": "test-service"}, "test-scope", "1.0.0")
			require.NoError(t, err)

			batch := Batch{Records: []SpanRecord{richRecord(), generateRecord(1), generateRecord(2)}}

			data, err := codec.Marshal(batch)
			require.NoError(t, err)
			require.NotEmpty(t, data)

			decoded, err := codec.Unmarshal(data)
			require.NoError(t, err)
			require.Equal(t, batch.Len(), decoded.Len())

			for i := range batch.Records {
				want, got := batch.Records[i], decoded.Records[i]
				assert.Equal(t, want.TraceID, got.TraceID)
				assert.Equal(t, want.SpanID, got.SpanID)
				assert.Equal(t, want.ParentSpanID, got.ParentSpanID)
				assert.Equal(t, want.Name, got.Name)
				assert.Equal(t, want.Kind, got.Kind)
				assert.True(t, want.StartTime.Equal(got.StartTime), "start time should survive encoding")
				assert.True(t, want.EndTime.Equal(got.EndTime), "end time should survive encoding")
				assert.Equal(t, want.Status, got.Status)
				assert.Equal(t, want.Attributes, got.Attributes)
				require.Len(t, got.Events, len(want.Events))
				for j := range want.Events {
					assert.Equal(t, want.Events[j].Name, got.Events[j].Name)
					assert.True(t, want.Events[j].Time.Equal(got.Events[j].Time))
					assert.Equal(t, want.Events[j].Attributes, got.Events[j].Attributes)
				}
			}
		})
	}
}

func TestCodecResourceAndScope(t *testing.T) {
	codec, err := NewCodec(EncodingProto, map[string]string{
		"service.name":    "checkout",
		"service.version": "2.1.0",
		"deployment.env":  "prod",
	}, "checkout-tracer", "0.3.0")
	require.NoError(t, err)

	td := codec.ToTraces(Batch{Records: []SpanRecord{generateRecord(0)}})
	require.Equal(t, 1, td.ResourceSpans().Len())

	rs := td.ResourceSpans().At(0)
	keys := make([]string, 0)
	rs.Resource().Attributes().Range(func(k string, _ pcommon.Value) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"deployment.env", "service.name", "service.version"}, keys, "resource attributes are written in sorted order")

	scope := rs.ScopeSpans().At(0).Scope()
	assert.Equal(t, "checkout-tracer", scope.Name())
	assert.Equal(t, "0.3.0", scope.Version())
	assert.Equal(t, ptrace.StatusCodeOk, rs.ScopeSpans().At(0).Spans().At(0).Status().Code())
}

func TestCodecDeterministic(t *testing.T) {
	resource := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}
	batch := Batch{Records: []SpanRecord{generateRecord(0), richRecord()}}

	first, err := NewCodec(EncodingProto, resource, "s", "v")
	require.NoError(t, err)
	want, err := first.Marshal(batch)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		codec, err := NewCodec(EncodingProto, resource, "s", "v")
		require.NoError(t, err)
		got, err := codec.Marshal(batch)
		require.NoError(t, err)
		assert.Equal(t, want, got, "encoding must not depend on map iteration order")
	}
}

func TestCodecEmptyValues(t *testing.T) {
	codec, err := NewCodec(EncodingProto, nil, "", "")
	require.NoError(t, err)

	rec := SpanRecord{Name: "bare"}
	decoded, err := codec.Unmarshal(mustMarshal(t, codec, Batch{Records: []SpanRecord{rec}}))
	require.NoError(t, err)
	require.Equal(t, 1, decoded.Len())

	got := decoded.Records[0]
	assert.Equal(t, "bare", got.Name)
	assert.True(t, got.StartTime.IsZero())
	assert.True(t, got.IsRoot())
	assert.Nil(t, got.Attributes)
	assert.Nil(t, got.Events)
}

func TestNewCodecUnknownEncoding(t *testing.T) {
	_, err := NewCodec("thrift", nil, "", "")
	assert.Error(t, err)
}

func TestCodecUnmarshalGarbage(t *testing.T) {
	codec, err := NewCodec(EncodingJSON, nil, "", "")
	require.NoError(t, err)
	_, err = codec.Unmarshal([]byte("{not json"))
	assert.Error(t, err)
}

func TestFromTracesFlattensResources(t *testing.T) {
	td := generateTraces(3)
	extra := td.ResourceSpans().AppendEmpty().ScopeSpans().AppendEmpty().Spans().AppendEmpty()
	extra.SetName("other-resource")

	records := FromTraces(td)
	require.Len(t, records, 4)
	assert.Equal(t, "span-0", records[0].Name)
	assert.Equal(t, "span-2", records[2].Name)
	assert.Equal(t, "other-resource", records[3].Name)
}

func mustMarshal(t *testing.T, codec *Codec, batch Batch) []byte {
	t.Helper()
	data, err := codec.Marshal(batch)
	require.NoError(t, err)
	return data
}

func TestTimestampZeroAndEpoch(t *testing.T) {
	assert.Equal(t, pcommon.Timestamp(0), toTimestamp(time.Time{}))
	assert.Equal(t, pcommon.Timestamp(0), toTimestamp(time.Unix(0, 0)), "the epoch shares the unset encoding")
	assert.True(t, fromTimestamp(0).IsZero())

	ts := time.Unix(0, 1)
	assert.True(t, ts.Equal(fromTimestamp(toTimestamp(ts))))
}
