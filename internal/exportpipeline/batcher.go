package exportpipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// exportJob is a unit of work for the export loop. done, if set, is closed
// once the job and every job handed off before it reached a terminal
// outcome. A job with done and no records is a flush marker.
type exportJob struct {
	batch Batch
	done  chan struct{}
}

// handoff is the single pending-batch slot between the batcher and the
// export loop, plus the job currently being exported.
type handoff struct {
	mu       sync.Mutex
	pending  *exportJob
	inflight *exportJob
	closed   bool

	// ready is signalled when pending is filled, free when it is emptied
	ready chan struct{}
	free  chan struct{}
}

func newHandoff() *handoff {
	return &handoff{
		ready: make(chan struct{}, 1),
		free:  make(chan struct{}, 1),
	}
}

// offer places job in the pending slot without waiting. A job already
// pending is evicted and returned.
func (h *handoff) offer(job *exportJob) (evicted *exportJob, ok bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false
	}
	evicted = h.pending
	h.pending = job
	h.mu.Unlock()

	notify(h.ready)
	return evicted, true
}

// put waits for the pending slot to be free, then fills it.
func (h *handoff) put(ctx context.Context, job *exportJob, stop <-chan struct{}) bool {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return false
		}
		if h.pending == nil {
			h.pending = job
			h.mu.Unlock()
			notify(h.ready)
			return true
		}
		h.mu.Unlock()

		select {
		case <-h.free:
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		}
	}
}

// take moves the pending job in flight. It returns false when nothing is
// pending or the handoff is closed.
func (h *handoff) take() (*exportJob, bool) {
	h.mu.Lock()
	if h.closed || h.pending == nil {
		h.mu.Unlock()
		return nil, false
	}
	job := h.pending
	h.pending = nil
	h.inflight = job
	h.mu.Unlock()

	notify(h.free)
	return job, true
}

// finish clears the in-flight job. It returns false if the handoff was
// closed meanwhile, in which case close already claimed the job.
func (h *handoff) finish(job *exportJob) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.inflight == job {
		h.inflight = nil
	}
	return true
}

// close abandons the pending and in-flight jobs and returns their records.
func (h *handoff) close() []SpanRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var lost []SpanRecord
	if h.inflight != nil {
		lost = append(lost, h.inflight.batch.Records...)
		h.inflight = nil
	}
	if h.pending != nil {
		lost = append(lost, h.pending.batch.Records...)
		h.pending = nil
	}
	return lost
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type flushRequest struct {
	ctx  context.Context
	done chan struct{}
}

// Batcher turns queued records into batches, on a timer or as soon as the
// queue reaches its high watermark.
type Batcher struct {
	queue     *SpanQueue
	handoff   *handoff
	batchSize int
	interval  time.Duration

	overflowCounter *atomic.Int64

	// carry holds a flush batch that could not be handed off before the
	// batcher was stopped. Only the batcher goroutine, or shutdown after
	// Stop, touches it.
	carry *exportJob

	flushReqs chan flushRequest
	stopChan  chan struct{}
	doneChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   *atomic.Bool

	logger *zap.Logger
}

// NewBatcher creates a batcher feeding h from queue.
func NewBatcher(queue *SpanQueue, h *handoff, batchSize int, interval time.Duration, overflowCounter *atomic.Int64, logger *zap.Logger) *Batcher {
	return &Batcher{
		queue:           queue,
		handoff:         h,
		batchSize:       batchSize,
		interval:        interval,
		overflowCounter: overflowCounter,
		flushReqs:       make(chan flushRequest),
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
		started:         atomic.NewBool(false),
		logger:          logger,
	}
}

// Start launches the batching loop.
func (b *Batcher) Start() {
	b.startOnce.Do(func() {
		b.started.Store(true)
		go b.run()
	})
}

// Stop ends the batching loop and waits for it to return. The timer is not
// restarted afterwards.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	if b.started.Load() {
		<-b.doneChan
	}
}

// Flush asks the loop to hand every queued record to the export loop. The
// returned channel is closed once all of them reached a terminal outcome.
// It returns nil if the request could not be delivered before ctx ended.
func (b *Batcher) Flush(ctx context.Context) <-chan struct{} {
	req := flushRequest{ctx: ctx, done: make(chan struct{})}
	select {
	case b.flushReqs <- req:
		return req.done
	case <-ctx.Done():
		return nil
	case <-b.stopChan:
		return nil
	}
}

func (b *Batcher) run() {
	defer close(b.doneChan)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainOnce()

		case <-b.queue.Ready():
			b.drainOnce()

		case req := <-b.flushReqs:
			rest := b.flush(req.ctx, req.done, b.stopChan)
			if len(rest) == 0 {
				continue
			}
			job := &exportJob{batch: Batch{Records: rest}}
			select {
			case <-b.stopChan:
				// shutdown owns these now
				b.carry = job
			default:
				b.submit(job)
			}

		case <-b.stopChan:
			b.logger.Debug("Stopping batcher")
			return
		}
	}
}

// drainOnce materializes at most one batch and hands it off without waiting
// for the export loop.
func (b *Batcher) drainOnce() {
	records := b.queue.Drain(b.batchSize)
	if len(records) == 0 {
		return
	}

	b.submit(&exportJob{batch: Batch{Records: records}})

	// the ready signal is edge triggered; re-arm while a backlog remains
	if b.queue.AboveWatermark() {
		b.queue.signal()
	}
}

func (b *Batcher) submit(job *exportJob) {
	evicted, ok := b.handoff.offer(job)
	if !ok {
		return
	}
	if evicted == nil {
		return
	}
	if evicted.batch.Len() > 0 {
		b.overflowCounter.Add(int64(evicted.batch.Len()))
		b.logger.Warn("Dropping pending batch, export is falling behind",
			zap.Int("spans", evicted.batch.Len()))
	}
	// a flush waiter rides on the replacement, which completes after
	// everything the evicted job was waiting for
	if evicted.done != nil && job.done == nil {
		job.done = evicted.done
	}
}

// flush drains the whole queue, waiting for the pending slot before each
// batch, then queues a marker that closes done. It returns the records it
// drained but could not hand off before ctx ended or stop was closed. The
// pending batch is never evicted here.
func (b *Batcher) flush(ctx context.Context, done chan struct{}, stop <-chan struct{}) []SpanRecord {
	if job := b.carry; job != nil {
		b.carry = nil
		if !b.handoff.put(ctx, job, stop) {
			return job.batch.Records
		}
	}

	for {
		records := b.queue.Drain(b.batchSize)
		if len(records) == 0 {
			break
		}

		job := &exportJob{batch: Batch{Records: records}}
		if !b.handoff.put(ctx, job, stop) {
			return records
		}
	}

	b.handoff.put(ctx, &exportJob{done: done}, stop)
	return nil
}
