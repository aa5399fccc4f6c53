package exportpipeline

import (
	"sync"

	"go.uber.org/atomic"
)

// SpanQueue is a bounded FIFO ring buffer shared by every producer and the
// batcher. Enqueue never waits on export progress.
type SpanQueue struct {
	mu     sync.Mutex
	buf    []SpanRecord
	head   int
	count  int
	closed bool

	// Depth that triggers a ready signal
	highWatermark int
	ready         chan struct{}

	// Counters shared with the MetricsManager
	depthGauge      *atomic.Int64
	enqueuedCounter *atomic.Int64
	droppedCounter  *atomic.Int64
	closedCounter   *atomic.Int64
}

// NewSpanQueue creates a queue holding at most capacity records.
func NewSpanQueue(capacity, highWatermark int, depthGauge, enqueuedCounter, droppedCounter, closedCounter *atomic.Int64) *SpanQueue {
	return &SpanQueue{
		buf:             make([]SpanRecord, capacity),
		highWatermark:   highWatermark,
		ready:           make(chan struct{}, 1),
		depthGauge:      depthGauge,
		enqueuedCounter: enqueuedCounter,
		droppedCounter:  droppedCounter,
		closedCounter:   closedCounter,
	}
}

// Enqueue appends a record. It returns false, and counts a drop, when the
// queue is at capacity or closed.
func (q *SpanQueue) Enqueue(record SpanRecord) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.closedCounter.Inc()
		return false
	}
	if q.count == len(q.buf) {
		q.mu.Unlock()
		q.droppedCounter.Inc()
		return false
	}

	q.buf[(q.head+q.count)%len(q.buf)] = record
	q.count++
	depth := q.count
	// stored under the lock so a concurrent Drain cannot be overwritten
	q.depthGauge.Store(int64(depth))
	q.mu.Unlock()

	q.enqueuedCounter.Inc()

	if depth >= q.highWatermark {
		q.signal()
	}
	return true
}

// Drain removes and returns up to max of the oldest records.
func (q *SpanQueue) Drain(max int) []SpanRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if n > max {
		n = max
	}
	if n <= 0 {
		return nil
	}

	out := make([]SpanRecord, n)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		// release references held by the ring
		q.buf[idx] = SpanRecord{}
	}
	q.head = (q.head + n) % len(q.buf)
	q.count -= n
	q.depthGauge.Store(int64(q.count))

	return out
}

// Close rejects further enqueues and returns the records still queued.
func (q *SpanQueue) Close() []SpanRecord {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Drain(len(q.buf))
}

// Len returns the current queue depth.
func (q *SpanQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Capacity returns the maximum number of records the queue holds.
func (q *SpanQueue) Capacity() int {
	return len(q.buf)
}

// Ready fires after the depth has reached the high watermark. Signals are
// coalesced, so a receiver must re-check Len after draining.
func (q *SpanQueue) Ready() <-chan struct{} {
	return q.ready
}

// AboveWatermark reports whether an eager drain is due.
func (q *SpanQueue) AboveWatermark() bool {
	return q.Len() >= q.highWatermark
}

func (q *SpanQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
