package exportpipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Coordinator lifecycle states. Transitions only move forward.
const (
	stateRunning int32 = iota
	stateDraining
	stateStopped
)

var errShutDown = errors.New("export pipeline is shut down")

// ShutdownResult reports whether shutdown delivered everything it could.
type ShutdownResult struct {
	// Flushed is true when the queue was emptied before the deadline
	Flushed bool

	// Remaining is the number of records dropped by the shutdown
	Remaining int
}

// Coordinator owns the queue, the batcher and the export loop.
type Coordinator struct {
	// Core dependencies
	logger *zap.Logger
	config *Config

	// Components
	metricsManager *MetricsManager
	queue          *SpanQueue
	handoff        *handoff
	batcher        *Batcher
	exporter       Exporter
	spool          Spool

	// Background tasks
	pruneCron  *cron.Cron
	exportCtx  context.Context
	exportStop context.CancelFunc
	exportDone chan struct{}

	// retry timing source, nil means the wall clock
	clock backoff.Clock

	state        *atomic.Int32
	started      *atomic.Bool
	startOnce    sync.Once
	shutdownOnce sync.Once
	result       ShutdownResult
}

// NewCoordinator creates a coordinator exporting through exp. A nil exp
// builds the exporter selected by cfg.Protocol.
func NewCoordinator(
	ctx context.Context,
	set component.TelemetrySettings,
	cfg *Config,
	exp Exporter,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := set.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if exp == nil {
		var err error
		exp, err = newExporterFromConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	var meterProvider metric.MeterProvider = noop.NewMeterProvider()
	if set.MeterProvider != nil {
		meterProvider = set.MeterProvider
	}

	metricsManager := NewMetricsManager(meterProvider.Meter("exportpipeline"))
	exportCtx, exportStop := context.WithCancel(context.WithoutCancel(ctx))

	c := &Coordinator{
		logger:         logger,
		config:         cfg,
		metricsManager: metricsManager,
		exporter:       exp,
		exportCtx:      exportCtx,
		exportStop:     exportStop,
		exportDone:     make(chan struct{}),
		state:          atomic.NewInt32(stateRunning),
		started:        atomic.NewBool(false),
	}

	c.queue = NewSpanQueue(
		cfg.MaxQueueSize,
		cfg.highWatermark(),
		metricsManager.queueDepth,
		metricsManager.enqueued,
		metricsManager.droppedQueueFull,
		metricsManager.shutdownDropped,
	)
	c.handoff = newHandoff()
	c.batcher = NewBatcher(c.queue, c.handoff, cfg.MaxExportBatchSize, cfg.BatchInterval, metricsManager.pendingOverflow, logger)

	// Set up the spool if a path is configured
	if cfg.Spool.Path != "" {
		spool, err := NewBoltSpool(cfg.Spool.Path, logger)
		if err != nil {
			exportStop()
			return nil, fmt.Errorf("failed to create spool: %w", err)
		}
		c.spool = spool
		logger.Info("Span spool initialized", zap.String("path", cfg.Spool.Path))

		if cfg.Spool.PruneSchedule != "" {
			c.pruneCron = cron.New()
			_, err := c.pruneCron.AddFunc(cfg.Spool.PruneSchedule, c.pruneSpool)
			if err != nil {
				logger.Error("Failed to set up spool pruning", zap.Error(err))
				c.pruneCron = nil
			} else {
				logger.Info("Spool pruning scheduled",
					zap.String("schedule", cfg.Spool.PruneSchedule),
					zap.Duration("max_age", cfg.Spool.MaxAge))
			}
		}
	}

	logger.Info("Span export pipeline created",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Int("queue_size", cfg.MaxQueueSize),
		zap.Int("batch_size", cfg.MaxExportBatchSize),
		zap.Duration("interval", cfg.BatchInterval))

	return c, nil
}

// newExporterFromConfig builds the transport named by cfg.Protocol.
func newExporterFromConfig(cfg *Config, logger *zap.Logger) (Exporter, error) {
	encoding := EncodingProto
	if cfg.Protocol == ProtocolHTTPJSON {
		encoding = EncodingJSON
	}
	codec, err := NewCodec(encoding, cfg.ResourceAttributes, cfg.ScopeName, cfg.ScopeVersion)
	if err != nil {
		return nil, err
	}

	switch cfg.Protocol {
	case ProtocolGRPC:
		return NewGRPCExporter(cfg, codec, logger)
	case ProtocolHTTPProtobuf, ProtocolHTTPJSON:
		return NewHTTPExporter(cfg, codec, nil, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
}

// Start registers metrics, restores spooled records and launches the
// batcher and export loop. A coordinator that has been shut down cannot be
// started.
func (c *Coordinator) Start(_ context.Context) error {
	if c.state.Load() != stateRunning {
		return errShutDown
	}
	c.startOnce.Do(func() {
		c.logger.Info("Starting span export pipeline")

		if err := c.metricsManager.RegisterMetrics(); err != nil {
			c.logger.Error("Failed to register metrics", zap.Error(err))
		}

		if c.spool != nil {
			c.pruneSpool()
			c.restoreSpool()
		}

		if c.pruneCron != nil {
			c.pruneCron.Start()
		}

		c.started.Store(true)
		go c.exportLoop()
		c.batcher.Start()
	})
	return nil
}

// Enqueue offers a finished span to the pipeline. It never blocks and
// returns false when the record was dropped.
func (c *Coordinator) Enqueue(record SpanRecord) bool {
	return c.queue.Enqueue(record.normalized())
}

// Flush forces every queued record through the exporter and waits until they
// reach a terminal outcome or ctx ends. It reports whether the queue was
// fully emptied.
func (c *Coordinator) Flush(ctx context.Context) bool {
	if c.state.Load() != stateRunning || !c.started.Load() {
		return false
	}

	done := c.batcher.Flush(ctx)
	if done == nil {
		return false
	}

	select {
	case <-done:
		return c.queue.Len() == 0
	case <-ctx.Done():
		return false
	}
}

// Shutdown stops the batcher, performs a final flush bounded by ctx and
// drops whatever is left. Calling it again returns the first result.
func (c *Coordinator) Shutdown(ctx context.Context) ShutdownResult {
	c.shutdownOnce.Do(func() {
		c.result = c.shutdown(ctx)
	})
	return c.result
}

func (c *Coordinator) shutdown(ctx context.Context) ShutdownResult {
	c.logger.Info("Shutting down span export pipeline")
	c.state.Store(stateDraining)

	// Stop the timer so nothing competes with the final flush
	c.batcher.Stop()
	if c.pruneCron != nil {
		<-c.pruneCron.Stop().Done()
	}

	var unsent []SpanRecord
	flushed := !c.started.Load()
	if !flushed {
		done := make(chan struct{})
		unsent = c.batcher.flush(ctx, done, nil)
		if len(unsent) == 0 {
			select {
			case <-done:
				flushed = true
			case <-ctx.Done():
			}
		}
	}

	c.state.Store(stateStopped)

	// Anything still held by the pipeline is abandoned
	lost := c.handoff.close()
	lost = append(lost, unsent...)
	lost = append(lost, c.queue.Close()...)
	c.exportStop()

	if len(lost) > 0 {
		c.metricsManager.shutdownDropped.Add(int64(len(lost)))
		c.logger.Warn("Dropping spans not exported before shutdown deadline",
			zap.Int("spans", len(lost)))
	}

	if c.spool != nil {
		if err := c.spool.Save(lost); err != nil {
			c.logger.Error("Failed to spool undelivered spans", zap.Error(err))
		} else if len(lost) > 0 {
			c.metricsManager.spooled.Add(int64(len(lost)))
			c.logger.Info("Spooled undelivered spans", zap.Int("spans", len(lost)))
		}
		if err := c.spool.Close(); err != nil {
			c.logger.Error("Failed to close spool", zap.Error(err))
		}
	}

	if err := c.exporter.Shutdown(ctx); err != nil {
		c.logger.Error("Failed to shut down exporter", zap.Error(err))
	}

	stats := c.Stats()
	c.logger.Info("Span export pipeline stopped",
		zap.Bool("flushed", flushed && len(lost) == 0),
		zap.Int64("exported", stats.ExportedSuccess),
		zap.Int64("shutdown_dropped", stats.ShutdownDropped))

	return ShutdownResult{
		Flushed:   flushed && len(lost) == 0,
		Remaining: len(lost),
	}
}

// Stats returns a snapshot of the pipeline counters.
func (c *Coordinator) Stats() Stats {
	return c.metricsManager.Snapshot()
}

// exportLoop runs batches one at a time in the order they were handed off.
func (c *Coordinator) exportLoop() {
	defer close(c.exportDone)

	for {
		select {
		case <-c.handoff.ready:
		case <-c.exportCtx.Done():
			return
		}

		for {
			job, ok := c.handoff.take()
			if !ok {
				break
			}
			if !c.process(job) {
				return
			}
		}
	}
}

// process exports a single job. It returns false once the job has been
// abandoned by shutdown.
func (c *Coordinator) process(job *exportJob) bool {
	if job.batch.Len() > 0 {
		res, attempts := c.exportWithRetry(c.exportCtx, job.batch)
		if !c.handoff.finish(job) {
			c.logger.Debug("Export abandoned by shutdown", zap.Int("spans", job.batch.Len()))
			return false
		}
		c.account(job.batch, res, attempts)
	} else if !c.handoff.finish(job) {
		return false
	}

	if job.done != nil {
		close(job.done)
	}
	return true
}

func (c *Coordinator) account(batch Batch, res ExportResult, attempts int) {
	n := int64(batch.Len())
	switch res.Outcome {
	case ExportSuccess:
		c.metricsManager.exportedSuccess.Add(n)
		c.logger.Debug("Exported batch",
			zap.Int("spans", batch.Len()),
			zap.Int("attempts", attempts))
	case ExportPermanent:
		c.metricsManager.exportedRejected.Add(n)
		c.logger.Error("Collector rejected batch, dropping",
			zap.Int("spans", batch.Len()),
			zap.Error(res.Err))
	default:
		c.metricsManager.exportedFailed.Add(n)
		c.logger.Error("Retry budget exhausted, dropping batch",
			zap.Int("spans", batch.Len()),
			zap.Int("attempts", attempts),
			zap.Error(res.Err))
	}
}

// exportWithRetry drives one batch to a terminal outcome.
func (c *Coordinator) exportWithRetry(ctx context.Context, batch Batch) (ExportResult, int) {
	retry := newRetryState(c.config.Retry, c.clock)

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		res := c.exporter.Export(attemptCtx, batch)
		cancel()
		retry.recordAttempt()

		if res.Outcome != ExportRetryable {
			return res, retry.Attempts()
		}
		if ctx.Err() != nil {
			return res, retry.Attempts()
		}

		delay, ok := retry.next(res.RetryAfter)
		if !ok {
			return res, retry.Attempts()
		}

		c.logger.Warn("Export failed, retrying",
			zap.Int("spans", batch.Len()),
			zap.Int("attempt", retry.Attempts()),
			zap.Duration("delay", delay),
			zap.Duration("elapsed", retry.Elapsed()),
			zap.Bool("timeout", isTimeout(res.Err)),
			zap.Error(res.Err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return res, retry.Attempts()
		}
	}
}

// restoreSpool re-enqueues records saved by a previous shutdown.
func (c *Coordinator) restoreSpool() {
	records, err := c.spool.Take()
	if err != nil {
		c.logger.Error("Failed to load spooled spans", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	restored := 0
	for _, rec := range records {
		if c.queue.Enqueue(rec) {
			restored++
		}
	}
	c.logger.Info("Restored spooled spans",
		zap.Int("spans", len(records)),
		zap.Int("restored", restored))
}

func (c *Coordinator) pruneSpool() {
	if c.config.Spool.MaxAge <= 0 {
		return
	}
	removed, err := c.spool.Prune(time.Now().Add(-c.config.Spool.MaxAge))
	if err != nil {
		c.logger.Error("Spool pruning failed", zap.Error(err))
		return
	}
	if removed > 0 {
		c.logger.Info("Pruned expired spooled spans", zap.Int("spans", removed))
	}
}
