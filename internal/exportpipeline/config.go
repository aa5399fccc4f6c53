package exportpipeline

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/confmap"
	"gopkg.in/yaml.v3"
)

// Supported export protocols.
const (
	ProtocolHTTPProtobuf = "http/protobuf"
	ProtocolHTTPJSON     = "http/json"
	ProtocolGRPC         = "grpc"
)

// Supported payload compressions.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

var (
	errMissingEndpoint = errors.New("endpoint must be specified")
	errBatchTooLarge   = errors.New("max_export_batch_size must not exceed max_queue_size")
)

// Config defines configuration for the span export pipeline.
type Config struct {
	// Endpoint is the collector URL (http/*) or host:port (grpc)
	Endpoint string `mapstructure:"endpoint"`

	// Protocol selects the transport and encoding
	Protocol string `mapstructure:"protocol"`

	// Compression applied to each payload
	Compression string `mapstructure:"compression"`

	// Headers are added to every export request
	Headers map[string]string `mapstructure:"headers"`

	// Insecure disables transport security for grpc
	Insecure bool `mapstructure:"insecure"`

	// Timeout bounds a single export attempt
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxQueueSize is the capacity of the span queue
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// MaxExportBatchSize is the maximum number of spans per batch
	MaxExportBatchSize int `mapstructure:"max_export_batch_size"`

	// HighWatermark is the queue depth that triggers an eager drain.
	// Zero means MaxExportBatchSize.
	HighWatermark int `mapstructure:"high_watermark"`

	// BatchInterval is how often the batcher drains the queue
	BatchInterval time.Duration `mapstructure:"batch_interval"`

	// Retry controls the retry policy for retryable failures
	Retry RetryConfig `mapstructure:"retry"`

	// ResourceAttributes identify this process on every exported batch
	ResourceAttributes map[string]string `mapstructure:"resource_attributes"`

	// ScopeName and ScopeVersion describe the instrumentation scope
	ScopeName    string `mapstructure:"scope_name"`
	ScopeVersion string `mapstructure:"scope_version"`

	// Spool persists spans that would be lost at shutdown
	Spool SpoolConfig `mapstructure:"spool"`
}

// RetryConfig defines the exponential backoff applied between export attempts.
type RetryConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"`
}

// SpoolConfig configures the on-disk spool. An empty Path disables it.
type SpoolConfig struct {
	Path          string        `mapstructure:"path"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

var _ component.Config = (*Config)(nil)

// Validate checks if the pipeline configuration is valid
func (cfg *Config) Validate() error {
	if cfg.Endpoint == "" {
		return errMissingEndpoint
	}

	switch cfg.Protocol {
	case ProtocolHTTPProtobuf, ProtocolHTTPJSON:
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("endpoint must be an http(s) URL for protocol %s, got %q", cfg.Protocol, cfg.Endpoint)
		}
	case ProtocolGRPC:
	default:
		return fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}

	switch cfg.Compression {
	case "", CompressionNone, CompressionGzip:
	default:
		return fmt.Errorf("unsupported compression %q", cfg.Compression)
	}

	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}

	if cfg.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be greater than 0, got %d", cfg.MaxQueueSize)
	}

	if cfg.MaxExportBatchSize <= 0 {
		return fmt.Errorf("max_export_batch_size must be greater than 0, got %d", cfg.MaxExportBatchSize)
	}

	if cfg.MaxExportBatchSize > cfg.MaxQueueSize {
		return errBatchTooLarge
	}

	if cfg.HighWatermark < 0 || cfg.HighWatermark > cfg.MaxQueueSize {
		return fmt.Errorf("high_watermark must be between 0 and max_queue_size, got %d", cfg.HighWatermark)
	}

	if cfg.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive, got %s", cfg.BatchInterval)
	}

	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if cfg.Spool.Path != "" && cfg.Spool.PruneSchedule != "" && cfg.Spool.MaxAge <= 0 {
		return fmt.Errorf("spool.max_age must be positive when spool.prune_schedule is set, got %s", cfg.Spool.MaxAge)
	}

	return nil
}

// Validate checks the retry settings.
func (rc *RetryConfig) Validate() error {
	if rc.InitialInterval <= 0 {
		return fmt.Errorf("initial_interval must be positive, got %s", rc.InitialInterval)
	}
	if rc.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", rc.Multiplier)
	}
	if rc.MaxInterval < rc.InitialInterval {
		return fmt.Errorf("max_interval %s is smaller than initial_interval %s", rc.MaxInterval, rc.InitialInterval)
	}
	if rc.RandomizationFactor < 0 || rc.RandomizationFactor >= 1 {
		return fmt.Errorf("randomization_factor must be in [0, 1), got %v", rc.RandomizationFactor)
	}
	if rc.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0, got %d", rc.MaxAttempts)
	}
	if rc.MaxElapsedTime <= 0 {
		return fmt.Errorf("max_elapsed_time must be positive, got %s", rc.MaxElapsedTime)
	}
	return nil
}

// highWatermark returns the effective eager-drain threshold.
func (cfg *Config) highWatermark() int {
	if cfg.HighWatermark == 0 {
		return cfg.MaxExportBatchSize
	}
	return cfg.HighWatermark
}

// createDefaultConfig creates the default configuration for the pipeline.
func createDefaultConfig() component.Config {
	return NewDefaultConfig()
}

// NewDefaultConfig returns a Config populated with the documented defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:           "http://localhost:4318/v1/traces",
		Protocol:           ProtocolHTTPProtobuf,
		Compression:        CompressionNone,
		Timeout:            10 * time.Second,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
		BatchInterval:      5 * time.Second,
		Retry: RetryConfig{
			InitialInterval:     1 * time.Second,
			Multiplier:          2,
			MaxInterval:         30 * time.Second,
			RandomizationFactor: 0.2,
			MaxAttempts:         5,
			MaxElapsedTime:      60 * time.Second,
		},
		ScopeName: "github.com/deepaksharma/span-export-pipeline",
		Spool: SpoolConfig{
			MaxAge: 24 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML file and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := confmap.NewFromStringMap(raw).Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
