package exportpipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/component/componenttest"
	"go.opentelemetry.io/collector/exporter"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"
)

func newTestSettings() exporter.Settings {
	set := exporter.Settings{
		ID:                component.NewID(componentType),
		TelemetrySettings: componenttest.NewNopTelemetrySettings(),
		BuildInfo:         component.NewDefaultBuildInfo(),
	}
	set.Logger = zap.NewNop()
	return set
}

func TestFactoryType(t *testing.T) {
	factory := NewFactory()
	assert.Equal(t, "spanbatch", factory.Type().String())
	assert.Equal(t, component.StabilityLevelBeta, factory.TracesStability())
}

func TestCreateTracesExporter(t *testing.T) {
	factory := NewFactory()
	cfg := factory.CreateDefaultConfig()

	exp, err := factory.CreateTraces(context.Background(), newTestSettings(), cfg)
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.False(t, exp.Capabilities().MutatesData)
}

func TestCreateTracesExporterInvalidConfig(t *testing.T) {
	factory := NewFactory()
	cfg := factory.CreateDefaultConfig().(*Config)
	cfg.MaxQueueSize = 0

	_, err := factory.CreateTraces(context.Background(), newTestSettings(), cfg)
	assert.Error(t, err)
}

func TestTracesExporterDeliversToCollector(t *testing.T) {
	var mu sync.Mutex
	received := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req := ptraceotlp.NewExportRequest()
		require.NoError(t, req.UnmarshalProto(body))

		mu.Lock()
		received += req.Traces().SpanCount()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	factory := NewFactory()
	cfg := factory.CreateDefaultConfig().(*Config)
	cfg.Endpoint = server.URL + "/v1/traces"
	cfg.BatchInterval = 20 * time.Millisecond

	exp, err := factory.CreateTraces(context.Background(), newTestSettings(), cfg)
	require.NoError(t, err)
	require.NoError(t, exp.Start(context.Background(), componenttest.NewNopHost()))

	require.NoError(t, exp.ConsumeTraces(context.Background(), generateTraces(25)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 25
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, exp.Shutdown(context.Background()))
}
