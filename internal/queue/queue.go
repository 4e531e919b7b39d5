// Package queue implements the scheduler: it drives a bounded number of
// concurrent per-item transforms over a lazy, pull-based input sequence and
// emits a lazy output sequence.
//
// Backpressure comes from a single admission knob, the concurrency limit: a
// permit is acquired before an item is dispatched and released only when its
// result has been emitted, so the number of items in the system (in flight
// plus completed-but-unreleased) never exceeds the limit. Peak memory is
// therefore bounded regardless of total input size.
//
// Two ordering modes are supported. Strict (the default) emits results in
// input order using a reordering ring bounded by the concurrency limit;
// reordering-allowed emits in completion order, which improves throughput
// when per-item durations vary widely.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"promptq/internal/progress"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

// Source is a pull-based input sequence.
type Source[T any] interface {
	// Next returns the next record. io.EOF ends the stream cleanly. An
	// error implementing RecordError describes a single malformed record:
	// the scheduler turns it into a Failed output (preserving record-count
	// parity) and keeps pulling. Any other error is stream-terminal.
	Next(ctx context.Context) (work.Input[T], error)
}

// RecordError marks a Source error as scoped to one record. Errors without
// this marker (reader failures, oversized lines) stop admission: sources
// make them sticky, so pulling past one would loop forever and flood the
// output with Failed records.
type RecordError interface {
	error
	RecordError()
}

func isRecordError(err error) bool {
	var re RecordError
	return errors.As(err, &re)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc[T any] func(ctx context.Context) (work.Input[T], error)

func (f SourceFunc[T]) Next(ctx context.Context) (work.Input[T], error) { return f(ctx) }

// Transform performs one unit of work. It must return exactly one output
// per input and never panic-propagate; failures are reported through the
// output's status. (The scheduler still recovers panics defensively and
// converts them to Failed outputs rather than letting one bad item kill a
// worker.)
type Transform[T, U any] func(ctx context.Context, in work.Input[T]) work.Output[U]

// Options configures a Process run.
type Options[T, U any] struct {
	// Jobs caps in-flight transforms. Defaults to available parallelism.
	Jobs int

	// AllowReordering emits results in completion order instead of input
	// order.
	AllowReordering bool

	// Offset skips the first N records; Limit processes at most M records
	// (0 = unlimited). Both apply before the concurrency stage.
	Offset int
	Limit  int

	// Skipped builds the output for a skip-flagged input without invoking
	// the transform. Defaults to a bare Skipped envelope echoing the ID.
	Skipped func(in work.Input[T]) work.Output[U]

	// Failed builds the output for a record the source could not produce
	// (malformed input). Defaults to a Failed envelope with no ID.
	Failed func(seq int, err error) work.Output[U]

	// SourceFailed observes a stream-terminal source error (any non-EOF
	// error that is not a RecordError). Admission stops; in-flight items
	// still complete and emit. Optional.
	SourceFailed func(err error)

	// Bus receives per-item completion events. Optional and cosmetic:
	// publishing never blocks emission.
	Bus progress.Bus

	Log logx.Logger
}

// DefaultJobs derives the concurrency limit from available parallelism.
func DefaultJobs() int {
	return runtime.GOMAXPROCS(0)
}

func (o Options[T, U]) withDefaults() Options[T, U] {
	if o.Jobs <= 0 {
		o.Jobs = DefaultJobs()
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
	if o.Skipped == nil {
		o.Skipped = func(in work.Input[T]) work.Output[U] {
			var zero U
			return work.NewSkipped(in.ID, zero)
		}
	}
	if o.Failed == nil {
		o.Failed = func(seq int, err error) work.Output[U] {
			var zero U
			return work.NewFailed[U](nil, []string{err.Error()}, zero)
		}
	}
	return o
}

// indexed pairs a result with its dispatch index for reordering.
type indexed[U any] struct {
	seq  int
	out  work.Output[U]
	took time.Duration
}

// Process runs fn over every record of src and returns the output stream.
// The returned channel is closed after the last output; the consumer must
// drain it fully. Canceling ctx stops admission of new items, lets in-flight
// transforms wind down (they observe the cancellation through their own
// context), and still emits every completed result.
func Process[T, U any](ctx context.Context, src Source[T], fn Transform[T, U], opts Options[T, U]) <-chan work.Output[U] {
	opts = opts.withDefaults()
	src = Window(src, opts.Offset, opts.Limit)

	out := make(chan work.Output[U])
	go dispatch(ctx, src, fn, opts, out)
	return out
}

func dispatch[T, U any](ctx context.Context, src Source[T], fn Transform[T, U], opts Options[T, U], out chan<- work.Output[U]) {
	defer close(out)

	sem := semaphore.NewWeighted(int64(opts.Jobs))
	results := make(chan indexed[U])

	emitDone := make(chan struct{})
	go func() {
		defer close(emitDone)
		emit(results, out, sem, opts.Jobs, !opts.AllowReordering, opts.Bus)
	}()

	var wg sync.WaitGroup
	seq := 0
	for {
		in, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			// Run canceled: stop admitting new items. Checked before the
			// terminal-error path so a source surfacing ctx.Err() is treated
			// as cancellation, not a stream failure.
			break
		}
		if err != nil && !isRecordError(err) {
			// Stream-terminal failure: the source cannot make progress, and
			// its error is sticky, so pulling again would re-admit it forever.
			opts.Log.Error("input stream failed", logx.Err(err))
			if opts.SourceFailed != nil {
				opts.SourceFailed(err)
			}
			break
		}
		// Admission: the permit is released by the emitter once this item's
		// result leaves the reordering stage.
		if acqErr := sem.Acquire(ctx, 1); acqErr != nil {
			break
		}

		wg.Add(1)
		go func(seq int, in work.Input[T], srcErr error) {
			defer wg.Done()
			start := time.Now()
			var o work.Output[U]
			switch {
			case srcErr != nil:
				o = opts.Failed(seq, srcErr)
			case in.Skip:
				// Skip shortcut: no transform, no rate-limit token.
				o = opts.Skipped(in)
			default:
				o = safeTransform(ctx, fn, in, opts.Log)
			}
			results <- indexed[U]{seq: seq, out: o, took: time.Since(start)}
		}(seq, in, err)
		seq++
	}

	wg.Wait()
	close(results)
	<-emitDone
}

// safeTransform guards against transform panics: one bad item must yield a
// Failed output, not kill the run.
func safeTransform[T, U any](ctx context.Context, fn Transform[T, U], in work.Input[T], log logx.Logger) (o work.Output[U]) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("transform panic", logx.Any("id", in.ID), logx.Any("panic", r))
			var zero U
			o = work.NewFailed(in.ID, []string{fmt.Sprintf("panic: %v", r)}, zero)
		}
	}()
	return fn(ctx, in)
}

// emit releases results downstream, reordering when strict mode is on.
// One permit is returned to the semaphore per emitted output, which is what
// lets the next item into the system.
func emit[U any](results <-chan indexed[U], out chan<- work.Output[U], sem *semaphore.Weighted, jobs int, strict bool, bus progress.Bus) {
	release := func(r indexed[U]) {
		out <- r.out
		sem.Release(1)
		if bus != nil {
			bus.Publish(progress.Event{Type: progress.EventItemCompleted, Data: progress.ItemEvent{
				Seq:      r.seq,
				ID:       r.out.ID,
				Status:   string(r.out.Status),
				Duration: r.took,
			}})
		}
	}

	if !strict {
		for r := range results {
			release(r)
		}
		return
	}

	// Strict ordering: buffer out-of-order completions in a ring bounded by
	// the concurrency limit. Because permits are held until emission, any
	// completed-but-unreleasable result has an index within `jobs` of the
	// next expected one, so the ring never overflows.
	ring := newReorder[U](jobs)
	for r := range results {
		for _, ready := range ring.insert(r) {
			release(ready)
		}
	}
	// results closes only after every dispatched item completed, so the ring
	// is empty here: a gap would mean an item still in flight.
}
