// Package retry implements the generic retry/backoff state machine shared by
// every driver. One fallible operation is invoked repeatedly until it
// succeeds, fails permanently, or exhausts its attempt budget; the result is
// a Resolved value that keeps the complete error history so callers can
// report exactly what happened.
//
// Error classification is pluggable: drivers supply a Classifier that knows
// their transport's failure modes, and the looping logic here stays the same
// for all of them.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Outcome describes how a retried operation resolved.
type Outcome int

const (
	// Ok: succeeded on the first attempt.
	Ok Outcome = iota
	// Recovered: succeeded after one or more retries.
	Recovered
	// Fatal: failed on the first attempt with a non-retryable error.
	Fatal
	// GivenUp: every attempt failed with retryable errors; budget exhausted.
	GivenUp
	// Unrecoverable: a non-retryable error occurred mid-retry, short-circuiting
	// the remaining attempts.
	Unrecoverable
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Recovered:
		return "recovered"
	case Fatal:
		return "fatal"
	case GivenUp:
		return "given_up"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Resolved is the final result of a retried operation. Exactly one shape is
// populated per outcome:
//
//   - Ok: Output
//   - Recovered: Output, RetryErrs
//   - Fatal: FatalErr
//   - GivenUp, Unrecoverable: RetryErrs, FatalErr
//
// RetryErrs is ordered oldest-first. FatalErr is always the terminal cause.
type Resolved[T any] struct {
	Outcome   Outcome
	Output    T
	RetryErrs []error
	FatalErr  error
}

// Succeeded reports whether an output is available.
func (r Resolved[T]) Succeeded() bool {
	return r.Outcome == Ok || r.Outcome == Recovered
}

// Class is an error classification produced by a Classifier.
type Class int

const (
	Retryable Class = iota
	NonRetryable
)

// Classifier decides whether an error is worth retrying. Drivers plug in
// transport-specific classifiers; a nil classifier treats every error as
// retryable.
type Classifier func(err error) Class

// Policy controls attempt count, per-attempt timeouts and backoff growth.
type Policy struct {
	// MaxAttempts includes the initial attempt. Values < 1 mean 1.
	MaxAttempts int

	// AttemptTimeout bounds each individual attempt. 0 disables it.
	// A timed-out attempt counts as a retryable failure.
	AttemptTimeout time.Duration

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64 // 0.2 = +/-20%
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Resolve runs op under the policy until it resolves.
//
// NoRetry-wrapped errors are terminal regardless of the classifier.
// RetryAfter-wrapped errors override the computed backoff delay (bounded by
// MaxDelay, jitter still applied). Context cancellation abandons the loop
// promptly: no further attempts are made and the cancellation becomes the
// terminal cause.
func Resolve[T any](ctx context.Context, pol Policy, classify Classifier, op func(ctx context.Context) (T, error)) Resolved[T] {
	pol = pol.withDefaults()

	var retryErrs []error
	terminal := func(err error) Resolved[T] {
		if len(retryErrs) == 0 {
			return Resolved[T]{Outcome: Fatal, FatalErr: err}
		}
		return Resolved[T]{Outcome: Unrecoverable, RetryErrs: retryErrs, FatalErr: err}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return terminal(err)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if pol.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, pol.AttemptTimeout)
		}
		out, err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if attempt == 1 {
				return Resolved[T]{Outcome: Ok, Output: out}
			}
			return Resolved[T]{Outcome: Recovered, Output: out, RetryErrs: retryErrs}
		}

		// The run was canceled, not the individual attempt.
		if ctx.Err() != nil {
			return terminal(err)
		}

		var nr noRetryError
		if errors.As(err, &nr) {
			return terminal(nr.err)
		}
		if classify != nil && classify(err) == NonRetryable {
			return terminal(err)
		}

		if attempt >= pol.MaxAttempts {
			return Resolved[T]{Outcome: GivenUp, RetryErrs: retryErrs, FatalErr: err}
		}
		retryErrs = append(retryErrs, err)

		delay := backoffDelay(pol, attempt, err)
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return Resolved[T]{Outcome: Unrecoverable, RetryErrs: retryErrs, FatalErr: ctx.Err()}
			case <-tmr.C:
			}
		}
	}
}

// backoffDelay computes the pause before retry number `attempt`+1, honoring
// explicit retry-after hints carried by the error.
func backoffDelay(pol Policy, attempt int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > pol.MaxDelay {
			d = pol.MaxDelay
		}
		return applyJitter(d, pol.Jitter, pol.MaxDelay)
	}

	d := float64(pol.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= pol.Multiplier
		if d >= float64(pol.MaxDelay) {
			d = float64(pol.MaxDelay)
			break
		}
	}
	return applyJitter(time.Duration(d), pol.Jitter, pol.MaxDelay)
}

// applyJitter desynchronizes concurrent retries so a burst of failures does
// not come back as a burst of retries.
func applyJitter(d time.Duration, jitter float64, maxDelay time.Duration) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	r := (rand.Float64()*2 - 1) * jitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
