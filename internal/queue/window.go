package queue

import (
	"context"
	"errors"
	"io"

	"promptq/internal/work"
)

// Window wraps src with offset/limit semantics: skip the first `offset`
// records, then yield at most `limit` (0 = unlimited). Windowing happens
// before the concurrency stage, so skipped-over records are never admitted.
func Window[T any](src Source[T], offset, limit int) Source[T] {
	if offset <= 0 && limit <= 0 {
		return src
	}
	return &windowed[T]{src: src, offset: offset, limit: limit}
}

type windowed[T any] struct {
	src    Source[T]
	offset int
	limit  int

	yielded int
	skipped bool
}

func (w *windowed[T]) Next(ctx context.Context) (work.Input[T], error) {
	if !w.skipped {
		w.skipped = true
		for i := 0; i < w.offset; i++ {
			// Malformed records inside the offset window are discarded along
			// with well-formed ones; they were never part of this run. EOF
			// and stream-terminal errors pass straight through.
			if _, err := w.src.Next(ctx); err != nil && !isRecordError(err) {
				return work.Input[T]{}, err
			}
		}
	}
	if w.limit > 0 && w.yielded >= w.limit {
		return work.Input[T]{}, io.EOF
	}
	in, err := w.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		return work.Input[T]{}, io.EOF
	}
	w.yielded++
	return in, err
}
