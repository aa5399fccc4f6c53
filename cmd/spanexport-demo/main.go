package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/deepaksharma/span-export-pipeline/internal/demoserver"
	"github.com/deepaksharma/span-export-pipeline/internal/exportpipeline"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		envFile    string
		port       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "spanexport-demo",
		Short:        "Instrumented HTTP service exporting spans through the batching pipeline",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(debug)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			var envFiles []string
			if envFile != "" {
				envFiles = append(envFiles, envFile)
			}
			cfg, err := demoserver.LoadConfig(logger, envFiles...)
			if err != nil {
				return err
			}
			if configPath != "" {
				cfg.PipelineFile = configPath
			}
			if port != "" {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "pipeline YAML config file (overrides PIPELINE_CONFIG)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *demoserver.Config, logger *zap.Logger) error {
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	meterProvider := sdkmetric.NewMeterProvider()
	defer meterProvider.Shutdown(context.Background()) //nolint:errcheck

	set := component.TelemetrySettings{
		Logger:         logger,
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  meterProvider,
	}

	coordinator, err := exportpipeline.NewCoordinator(ctx, set, pcfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create export pipeline: %w", err)
	}
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start export pipeline: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(exportpipeline.NewSpanProcessor(coordinator)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	srv := demoserver.NewServer(tp.Tracer(cfg.ServiceName), cfg.DBLatency, logger)
	httpServer := &http.Server{
		Addr:    net.JoinHostPort("", cfg.Port),
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server running",
			zap.String("addr", httpServer.Addr),
			zap.String("endpoint", pcfg.Endpoint),
			zap.String("protocol", pcfg.Protocol))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	// the tracer provider shuts the span processor, and with it the pipeline
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer provider shutdown incomplete", zap.Error(err))
	}

	stats := coordinator.Stats()
	logger.Info("Export pipeline statistics",
		zap.Int64("enqueued", stats.Enqueued),
		zap.Int64("exported", stats.ExportedSuccess),
		zap.Int64("dropped_queue_full", stats.DroppedQueueFull),
		zap.Int64("pending_overflow", stats.PendingOverflow),
		zap.Int64("failed", stats.ExportedFailed),
		zap.Int64("rejected", stats.ExportedRejected),
		zap.Int64("shutdown_dropped", stats.ShutdownDropped))

	return nil
}
