package exportpipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"
)

// maxResponseBody caps how much of a collector response is read.
const maxResponseBody = 64 * 1024

// httpExporter posts OTLP payloads to a collector over HTTP.
type httpExporter struct {
	client      *http.Client
	endpoint    string
	headers     map[string]string
	compression string
	codec       *Codec
	logger      *zap.Logger
}

var _ Exporter = (*httpExporter)(nil)

// NewHTTPExporter creates an OTLP/HTTP exporter. A nil client uses a default
// client; per-attempt timeouts come from the caller's context.
func NewHTTPExporter(cfg *Config, codec *Codec, client *http.Client, logger *zap.Logger) Exporter {
	if client == nil {
		client = &http.Client{}
	}
	return &httpExporter{
		client:      client,
		endpoint:    cfg.Endpoint,
		headers:     cfg.Headers,
		compression: cfg.Compression,
		codec:       codec,
		logger:      logger,
	}
}

// Export implements Exporter
func (e *httpExporter) Export(ctx context.Context, batch Batch) ExportResult {
	body, err := e.codec.Marshal(batch)
	if err != nil {
		return permanent(err)
	}

	if e.compression == CompressionGzip {
		body, err = gzipPayload(body)
		if err != nil {
			return permanent(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", e.codec.ContentType())
	if e.compression == CompressionGzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// connection refused, reset, DNS failure or the attempt deadline
		return retryable(fmt.Errorf("failed to send %d spans: %w", batch.Len(), err), 0)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	return e.classify(resp, respBody, batch.Len())
}

func (e *httpExporter) classify(resp *http.Response, body []byte, spanCount int) ExportResult {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		e.logPartialSuccess(resp, body)
		return success()
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return retryable(
			fmt.Errorf("collector returned %d for %d spans", status, spanCount),
			parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		)
	default:
		return permanent(fmt.Errorf("collector rejected %d spans with status %d: %s", spanCount, status, truncate(body, 256)))
	}
}

// logPartialSuccess reports spans the collector accepted the request for but
// discarded anyway.
func (e *httpExporter) logPartialSuccess(resp *http.Response, body []byte) {
	if len(body) == 0 || resp.Header.Get("Content-Type") != "application/x-protobuf" {
		return
	}
	er := ptraceotlp.NewExportResponse()
	if err := er.UnmarshalProto(body); err != nil {
		e.logger.Debug("Failed to decode export response", zap.Error(err))
		return
	}
	if ps := er.PartialSuccess(); ps.RejectedSpans() > 0 {
		e.logger.Warn("Collector partially rejected batch",
			zap.Int64("rejected_spans", ps.RejectedSpans()),
			zap.String("message", ps.ErrorMessage()))
	}
}

// Shutdown implements Exporter
func (e *httpExporter) Shutdown(context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}

func gzipPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// isTimeout reports whether err came from an expired deadline.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
