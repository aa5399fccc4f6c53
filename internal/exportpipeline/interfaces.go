package exportpipeline

import (
	"context"
	"time"
)

// Outcome classifies a single export attempt.
type Outcome int

const (
	// ExportSuccess means the collector accepted the batch.
	ExportSuccess Outcome = iota
	// ExportRetryable means the attempt failed in a way that may succeed later.
	ExportRetryable
	// ExportPermanent means the payload will never be accepted.
	ExportPermanent
)

func (o Outcome) String() string {
	switch o {
	case ExportSuccess:
		return "success"
	case ExportRetryable:
		return "retryable"
	case ExportPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ExportResult is the outcome of one export attempt.
type ExportResult struct {
	Outcome Outcome

	// RetryAfter is the delay suggested by the collector, zero if none
	RetryAfter time.Duration

	// Err describes the failure, nil on success
	Err error
}

// Exporter delivers one batch per call. Implementations do not retry and
// are never called concurrently by the Coordinator.
type Exporter interface {
	// Export sends the batch, honoring the deadline carried by ctx
	Export(ctx context.Context, batch Batch) ExportResult

	// Shutdown releases transport resources
	Shutdown(ctx context.Context) error
}

// Spool persists records that could not be delivered before shutdown.
type Spool interface {
	// Save stores the records as a single entry
	Save(records []SpanRecord) error

	// Take returns every stored record, oldest entry first, and removes them
	Take() ([]SpanRecord, error)

	// Prune removes entries saved before the cutoff and returns how many records were removed
	Prune(cutoff time.Time) (int, error)

	// Close releases any resources used by the spool
	Close() error
}

func success() ExportResult {
	return ExportResult{Outcome: ExportSuccess}
}

func retryable(err error, retryAfter time.Duration) ExportResult {
	return ExportResult{Outcome: ExportRetryable, RetryAfter: retryAfter, Err: err}
}

func permanent(err error) ExportResult {
	return ExportResult{Outcome: ExportPermanent, Err: err}
}
