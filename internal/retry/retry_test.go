package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fastPolicy keeps test backoffs in the low-millisecond range.
func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func allRetryable(error) Class    { return Retryable }
func allNonRetryable(error) Class { return NonRetryable }

func TestResolveFirstTryOk(t *testing.T) {
	res := Resolve(context.Background(), fastPolicy(3), allRetryable, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if res.Outcome != Ok || res.Output != 42 {
		t.Fatalf("got %+v, want Ok/42", res)
	}
	if len(res.RetryErrs) != 0 || res.FatalErr != nil {
		t.Fatalf("Ok must carry no errors: %+v", res)
	}
	if !res.Succeeded() {
		t.Fatal("Ok must report success")
	}
}

func TestResolveRecovered(t *testing.T) {
	calls := 0
	res := Resolve(context.Background(), fastPolicy(5), allRetryable, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", fmt.Errorf("transient %d", calls)
		}
		return "done", nil
	})
	if res.Outcome != Recovered || res.Output != "done" {
		t.Fatalf("got %+v, want Recovered/done", res)
	}
	if len(res.RetryErrs) != 2 {
		t.Fatalf("want 2 retry errors, got %d", len(res.RetryErrs))
	}
	// Oldest first.
	if res.RetryErrs[0].Error() != "transient 1" || res.RetryErrs[1].Error() != "transient 2" {
		t.Fatalf("retry errors out of order: %v", res.RetryErrs)
	}
}

func TestResolveFatal(t *testing.T) {
	boom := errors.New("bad request")
	calls := 0
	res := Resolve(context.Background(), fastPolicy(5), allNonRetryable, func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if res.Outcome != Fatal {
		t.Fatalf("got outcome %v, want Fatal", res.Outcome)
	}
	if !errors.Is(res.FatalErr, boom) {
		t.Fatalf("fatal error = %v, want %v", res.FatalErr, boom)
	}
	if calls != 1 {
		t.Fatalf("fatal error must short-circuit, got %d calls", calls)
	}
	if res.Succeeded() {
		t.Fatal("Fatal must not report success")
	}
}

func TestResolveGivenUp(t *testing.T) {
	const budget = 4
	calls := 0
	res := Resolve(context.Background(), fastPolicy(budget), allRetryable, func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("transient %d", calls)
	})
	if res.Outcome != GivenUp {
		t.Fatalf("got outcome %v, want GivenUp", res.Outcome)
	}
	if calls != budget {
		t.Fatalf("want %d attempts, got %d", budget, calls)
	}
	// Budget-1 retry errors plus the terminal cause.
	if len(res.RetryErrs) != budget-1 {
		t.Fatalf("want %d retry errors, got %d", budget-1, len(res.RetryErrs))
	}
	if res.FatalErr == nil || res.FatalErr.Error() != fmt.Sprintf("transient %d", budget) {
		t.Fatalf("terminal cause = %v", res.FatalErr)
	}
}

func TestResolveUnrecoverable(t *testing.T) {
	calls := 0
	classify := func(err error) Class {
		if errors.Is(err, errPermanent) {
			return NonRetryable
		}
		return Retryable
	}
	res := Resolve(context.Background(), fastPolicy(10), classify, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient %d", calls)
		}
		return 0, errPermanent
	})
	if res.Outcome != Unrecoverable {
		t.Fatalf("got outcome %v, want Unrecoverable", res.Outcome)
	}
	if len(res.RetryErrs) != 2 {
		t.Fatalf("want 2 retry errors, got %d", len(res.RetryErrs))
	}
	if !errors.Is(res.FatalErr, errPermanent) {
		t.Fatalf("terminal cause = %v", res.FatalErr)
	}
	if calls != 3 {
		t.Fatalf("remaining attempts must be short-circuited, got %d calls", calls)
	}
}

var errPermanent = errors.New("permanent")

func TestResolveNoRetryWrapper(t *testing.T) {
	calls := 0
	res := Resolve(context.Background(), fastPolicy(10), allRetryable, func(ctx context.Context) (int, error) {
		calls++
		return 0, NoRetry(errPermanent)
	})
	if res.Outcome != Fatal || calls != 1 {
		t.Fatalf("NoRetry must be terminal: outcome=%v calls=%d", res.Outcome, calls)
	}
	// The wrapper is stripped for reporting.
	if !errors.Is(res.FatalErr, errPermanent) || IsNoRetry(res.FatalErr) {
		t.Fatalf("fatal error = %v", res.FatalErr)
	}
}

func TestResolveAttemptTimeoutIsRetryable(t *testing.T) {
	pol := fastPolicy(2)
	pol.AttemptTimeout = 10 * time.Millisecond

	calls := 0
	res := Resolve(context.Background(), pol, allRetryable, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 7, nil
	})
	if res.Outcome != Recovered || res.Output != 7 {
		t.Fatalf("got %+v, want Recovered/7", res)
	}
	if !errors.Is(res.RetryErrs[0], context.DeadlineExceeded) {
		t.Fatalf("retry error = %v, want deadline exceeded", res.RetryErrs[0])
	}
}

func TestResolveRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	pol := fastPolicy(100)
	pol.BaseDelay = time.Hour // cancellation must interrupt the backoff sleep
	pol.MaxDelay = time.Hour

	done := make(chan Resolved[int], 1)
	go func() {
		done <- Resolve(ctx, pol, allRetryable, func(ctx context.Context) (int, error) {
			return 0, errors.New("transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Outcome != Unrecoverable {
			t.Fatalf("got outcome %v, want Unrecoverable", res.Outcome)
		}
		if !errors.Is(res.FatalErr, context.Canceled) {
			t.Fatalf("terminal cause = %v", res.FatalErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not abandon the retry loop promptly")
	}
}

func TestResolveRetryAfterHint(t *testing.T) {
	pol := fastPolicy(2)
	pol.MaxDelay = 50 * time.Millisecond

	calls := 0
	start := time.Now()
	res := Resolve(context.Background(), pol, allRetryable, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, RetryAfter(errors.New("throttled"), 30*time.Millisecond)
		}
		return 1, nil
	})
	if res.Outcome != Recovered {
		t.Fatalf("got outcome %v, want Recovered", res.Outcome)
	}
	// Hint of 30ms with +/-20% jitter: at least ~24ms must have elapsed.
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("retry-after hint not honored, resolved in %v", elapsed)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	pol := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, Jitter: 0}.withDefaults()
	pol.Jitter = 0 // withDefaults restores it; force deterministic delays

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := backoffDelay(pol, attempt, errors.New("x"))
		if d < prev {
			t.Fatalf("delay shrank at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > pol.MaxDelay {
			t.Fatalf("delay above cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if prev != pol.MaxDelay {
		t.Fatalf("delay should reach the cap, got %v", prev)
	}
}
