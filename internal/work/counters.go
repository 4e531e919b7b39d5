package work

import "sync"

// Counters accumulates per-run totals. Run-scoped, not a global singleton:
// construct one per run and hand it to every task by reference. Increments
// are short critical sections so concurrent observers never hold the lock
// across I/O.
type Counters struct {
	mu         sync.Mutex
	total      int
	ok         int
	skipped    int
	incomplete int
	failed     int
	cost       float64
	hasCost    bool
	usage      TokenUsage
}

// Observe records one output's status and accounting.
//
// Skipped items increment the total only: never the failure count, cost, or
// token totals (both are absent for a skipped item by construction).
func (c *Counters) Observe(st Status, cost *float64, usage *TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	switch st {
	case StatusOk:
		c.ok++
	case StatusSkipped:
		c.skipped++
		return
	case StatusIncomplete:
		c.incomplete++
	case StatusFailed:
		c.failed++
	}
	if cost != nil {
		c.cost += *cost
		c.hasCost = true
	}
	if usage != nil {
		c.usage.Add(*usage)
	}
}

// Summary is a point-in-time copy of the counters.
type Summary struct {
	Total      int
	Ok         int
	Skipped    int
	Incomplete int
	Failed     int

	// EstimatedCost is nil when no output carried a cost estimate.
	EstimatedCost *float64
	TokenUsage    TokenUsage
}

// FailureCount counts outputs whose status is not a success.
func (s Summary) FailureCount() int { return s.Incomplete + s.Failed }

// FailureRate returns failures/total, or 0 for an empty run.
func (s Summary) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.FailureCount()) / float64(s.Total)
}

func (c *Counters) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Total:      c.total,
		Ok:         c.ok,
		Skipped:    c.skipped,
		Incomplete: c.incomplete,
		Failed:     c.failed,
		TokenUsage: c.usage,
	}
	if c.hasCost {
		cost := c.cost
		s.EstimatedCost = &cost
	}
	return s
}

// Sink receives outputs in emission order.
type Sink[U any] interface {
	Write(out Output[U]) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc[U any] func(out Output[U]) error

func (f SinkFunc[U]) Write(out Output[U]) error { return f(out) }

// Aggregate folds the output stream into the counters and forwards each
// record to the sink immediately, preserving the scheduler's emission order,
// so very large runs stream without buffering.
//
// A sink write failure is run-fatal: if results can no longer be committed,
// continuing the run is meaningless. The aggregator stops writing after the
// first failure but keeps draining (and counting) until the stream closes,
// so the scheduler never blocks; callers should cancel the run context on
// error to stop producing promptly.
func Aggregate[U any](outputs <-chan Output[U], sink Sink[U], c *Counters) error {
	var firstErr error
	for out := range outputs {
		c.Observe(out.Status, out.EstimatedCost, out.TokenUsage)
		if firstErr != nil {
			continue
		}
		if err := sink.Write(out); err != nil {
			firstErr = err
		}
	}
	return firstErr
}
