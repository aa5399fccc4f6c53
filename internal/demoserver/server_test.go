package demoserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	srv := NewServer(tp.Tracer("demo"), time.Millisecond, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, recorder
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestHomeHandler(t *testing.T) {
	ts, recorder := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "home_handler", spans[0].Name())
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "GET", attrs["http.method"].AsString())
	assert.Equal(t, "/", attrs["http.route"].AsString())
	assert.Equal(t, int64(200), attrs["http.status_code"].AsInt64())
}

func TestGetUserHandler(t *testing.T) {
	ts, recorder := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/users/42")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "42", body["id"])

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	db, user := spans[0], spans[1]
	assert.Equal(t, "database_query", db.Name())
	assert.Equal(t, "get_user", user.Name())
	assert.Equal(t, user.SpanContext().SpanID(), db.Parent().SpanID(), "the query is a child of the request span")

	dbAttrs := attrMap(db.Attributes())
	assert.Equal(t, "postgresql", dbAttrs["db.system"].AsString())
	assert.Equal(t, int64(1), dbAttrs["db.rows_affected"].AsInt64())

	userAttrs := attrMap(user.Attributes())
	assert.Equal(t, "42", userAttrs["user.id"].AsString())
}

func TestGetUserMissingID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/users/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthHandlerHasNoSpan(t *testing.T) {
	ts, recorder := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, recorder.Ended(), "health checks are not traced")
}
