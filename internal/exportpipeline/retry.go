package exportpipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryState tracks one batch through its retry budget. It is owned by the
// export loop and never shared.
type retryState struct {
	backoff     *backoff.ExponentialBackOff
	maxAttempts int
	attempts    int
}

func newRetryState(cfg RetryConfig, clock backoff.Clock) *retryState {
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialInterval,
		RandomizationFactor: cfg.RandomizationFactor,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxInterval,
		MaxElapsedTime:      cfg.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()

	return &retryState{
		backoff:     b,
		maxAttempts: cfg.MaxAttempts,
	}
}

// recordAttempt counts a finished attempt.
func (r *retryState) recordAttempt() {
	r.attempts++
}

// next returns the delay before the following attempt, or false when the
// attempt or elapsed budget is spent. A collector supplied retryAfter
// lengthens the delay but never shortens it.
func (r *retryState) next(retryAfter time.Duration) (time.Duration, bool) {
	if r.attempts >= r.maxAttempts {
		return 0, false
	}

	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}

	if retryAfter > delay {
		if max := r.backoff.MaxElapsedTime; max > 0 && r.backoff.GetElapsedTime()+retryAfter > max {
			return 0, false
		}
		delay = retryAfter
	}

	return delay, true
}

// Attempts returns the number of attempts made so far.
func (r *retryState) Attempts() int {
	return r.attempts
}

// Elapsed returns the time since the first attempt started.
func (r *retryState) Elapsed() time.Duration {
	return r.backoff.GetElapsedTime()
}
