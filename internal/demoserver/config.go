package demoserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/deepaksharma/span-export-pipeline/internal/exportpipeline"
)

// Resource attribute keys for deployment metadata.
const (
	EnvironmentKey = "resource.opentelemetry.io/env"
	TeamKey        = "resource.opentelemetry.io/team"
)

// Config holds the demo service settings read from the environment.
type Config struct {
	ServiceName    string `env:"OTEL_SERVICE_NAME" envDefault:"my-go-app"`
	ServiceVersion string `env:"OTEL_SERVICE_VERSION" envDefault:"1.0.0"`
	Environment    string `env:"ENVIRONMENT" envDefault:"production"`
	Team           string `env:"TEAM" envDefault:"platform"`

	// Collector address, either a full URL or host:port
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPProtocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL"`

	// Optional YAML file with pipeline settings
	PipelineFile string `env:"PIPELINE_CONFIG"`

	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	DBLatency       time.Duration `env:"DB_LATENCY" envDefault:"50ms"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig(logger *zap.Logger, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		logger.Debug("No .env file loaded, using environment variables", zap.Error(err))
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg, nil
}

// PipelineConfig builds the export pipeline settings: the YAML file if one is
// configured, otherwise the defaults, with the environment layered on top.
func (c *Config) PipelineConfig() (*exportpipeline.Config, error) {
	var (
		pcfg *exportpipeline.Config
		err  error
	)
	if c.PipelineFile != "" {
		pcfg, err = exportpipeline.LoadConfig(c.PipelineFile)
		if err != nil {
			return nil, err
		}
	} else {
		pcfg = exportpipeline.NewDefaultConfig()
	}

	if c.OTLPProtocol != "" {
		pcfg.Protocol = c.OTLPProtocol
	}
	if c.OTLPEndpoint != "" {
		pcfg.Endpoint = normalizeEndpoint(c.OTLPEndpoint, pcfg.Protocol)
		if pcfg.Protocol == exportpipeline.ProtocolGRPC {
			pcfg.Insecure = true
		}
	}

	if pcfg.ResourceAttributes == nil {
		pcfg.ResourceAttributes = map[string]string{}
	}
	pcfg.ResourceAttributes[string(semconv.ServiceNameKey)] = c.ServiceName
	pcfg.ResourceAttributes[string(semconv.ServiceVersionKey)] = c.ServiceVersion
	pcfg.ResourceAttributes[EnvironmentKey] = c.Environment
	pcfg.ResourceAttributes[TeamKey] = c.Team
	pcfg.ScopeName = c.ServiceName
	pcfg.ScopeVersion = c.ServiceVersion

	if err := pcfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return pcfg, nil
}

// normalizeEndpoint turns a bare host:port into the traces URL for the HTTP
// protocols. gRPC targets are used as given.
func normalizeEndpoint(endpoint, protocol string) string {
	if protocol == exportpipeline.ProtocolGRPC {
		return strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	if !strings.HasSuffix(endpoint, "/v1/traces") {
		endpoint = strings.TrimSuffix(endpoint, "/") + "/v1/traces"
	}
	return endpoint
}
