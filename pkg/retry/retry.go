// Package retry runs flaky operations against native tooling with bounded,
// deadline-aware exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned when every attempt ran without ever capturing an
// error (for example when the deadline was already expired).
var ErrExhausted = errors.New("retry: exhausted without an error")

// Policy configures one call site. It holds no mutable state.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	// ShouldRetry decides whether a failed attempt may be followed by
	// another. Nil retries every error.
	ShouldRetry func(err error, attempt int) bool
}

// Attempt is handed to every invocation of the operation so it can size its
// own sub-timeouts.
type Attempt struct {
	Number      int
	MaxAttempts int
	Deadline    *Deadline
}

// Options carries the optional collaborators of Do.
type Options struct {
	Deadline       *Deadline
	Phase          string
	ClassifyReason func(err error) string
	OnEvent        func(Event)

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Random returns a uniform value in [0,1) for jitter; nil uses math/rand.
	Random func() float64
}

// Do runs op until it succeeds, the policy gives up, or the deadline runs
// out. A backoff that clamps to zero ends the loop. Intermediate failures
// are reported only through events; the caller sees the last error.
func Do[T any](ctx context.Context, op func(ctx context.Context, a Attempt) (T, error), policy Policy, opts Options) (T, error) {
	var zero T
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	random := opts.Random
	if random == nil {
		random = rand.Float64
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && opts.Deadline != nil && opts.Deadline.Expired() {
			break
		}

		value, err := op(ctx, Attempt{Number: attempt, MaxAttempts: maxAttempts, Deadline: opts.Deadline})
		if err == nil {
			opts.emit(Event{Type: EventSucceeded, Attempt: attempt, MaxAttempts: maxAttempts})
			return value, nil
		}
		lastErr = err

		failed := Event{Type: EventAttemptFailed, Attempt: attempt, MaxAttempts: maxAttempts, Err: err}
		if opts.ClassifyReason != nil {
			failed.Reason = opts.ClassifyReason(err)
		}
		opts.emit(failed)

		if attempt >= maxAttempts {
			break
		}
		if policy.ShouldRetry != nil && !policy.ShouldRetry(err, attempt) {
			break
		}

		delay := policy.delay(attempt, random)
		if opts.Deadline != nil {
			remaining := opts.Deadline.Remaining()
			if remaining <= 0 {
				break
			}
			delay = minDuration(delay, remaining)
		}
		if delay <= 0 {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	exhausted := Event{Type: EventExhausted, MaxAttempts: maxAttempts, Err: lastErr}
	if lastErr != nil && opts.ClassifyReason != nil {
		exhausted.Reason = opts.ClassifyReason(lastErr)
	}
	opts.emit(exhausted)

	if lastErr == nil {
		return zero, ErrExhausted
	}
	return zero, lastErr
}

// WithRetry runs op under policy without a deadline or telemetry.
func WithRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error), policy Policy) (T, error) {
	return Do(ctx, func(ctx context.Context, _ Attempt) (T, error) {
		return op(ctx)
	}, policy, Options{})
}

// delay returns the backoff that follows a failed attempt.
func (p Policy) delay(attempt int, random func() float64) time.Duration {
	base := float64(p.BaseDelay)
	raw := base * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}

	jitter := p.JitterFraction
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		// uniform in [-raw*jitter, +raw*jitter]
		raw += raw * jitter * (2*random() - 1)
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

func (o Options) emit(e Event) {
	e.Phase = o.Phase
	if o.Deadline != nil {
		e.Elapsed = o.Deadline.Elapsed()
		e.Remaining = o.Deadline.Remaining()
	}
	if o.OnEvent != nil {
		o.OnEvent(e)
	}
	emitStderr(e)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
