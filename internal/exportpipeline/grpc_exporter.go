package exportpipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// grpcExporter sends batches through the OTLP TraceService.
type grpcExporter struct {
	conn     *grpc.ClientConn
	client   ptraceotlp.GRPCClient
	codec    *Codec
	metadata metadata.MD
	callOpts []grpc.CallOption
	logger   *zap.Logger
}

var _ Exporter = (*grpcExporter)(nil)

// NewGRPCExporter creates an OTLP/gRPC exporter. The connection is
// established lazily on the first export.
func NewGRPCExporter(cfg *Config, codec *Codec, logger *zap.Logger) (Exporter, error) {
	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil)
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	var callOpts []grpc.CallOption
	if cfg.Compression == CompressionGzip {
		callOpts = append(callOpts, grpc.UseCompressor(gzip.Name))
	}

	return &grpcExporter{
		conn:     conn,
		client:   ptraceotlp.NewGRPCClient(conn),
		codec:    codec,
		metadata: metadata.New(cfg.Headers),
		callOpts: callOpts,
		logger:   logger,
	}, nil
}

// Export implements Exporter
func (e *grpcExporter) Export(ctx context.Context, batch Batch) ExportResult {
	req := ptraceotlp.NewExportRequestFromTraces(e.codec.ToTraces(batch))
	if len(e.metadata) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, e.metadata)
	}

	resp, err := e.client.Export(ctx, req, e.callOpts...)
	if err != nil {
		return classifyGRPCError(err, batch.Len())
	}

	if ps := resp.PartialSuccess(); ps.RejectedSpans() > 0 {
		e.logger.Warn("Collector partially rejected batch",
			zap.Int64("rejected_spans", ps.RejectedSpans()),
			zap.String("message", ps.ErrorMessage()))
	}
	return success()
}

// Shutdown implements Exporter
func (e *grpcExporter) Shutdown(context.Context) error {
	return e.conn.Close()
}

func classifyGRPCError(err error, spanCount int) ExportResult {
	st, ok := status.FromError(err)
	if !ok {
		return retryable(fmt.Errorf("failed to send %d spans: %w", spanCount, err), 0)
	}

	wrapped := fmt.Errorf("collector returned %s for %d spans: %w", st.Code(), spanCount, err)
	switch st.Code() {
	case codes.Canceled,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.OutOfRange,
		codes.Unavailable,
		codes.DataLoss:
		return retryable(wrapped, retryDelay(st))
	default:
		return permanent(wrapped)
	}
}

// retryDelay returns the throttling hint a collector attached as RetryInfo,
// or 0 if there is none.
func retryDelay(st *status.Status) time.Duration {
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration()
		}
	}
	return 0
}
