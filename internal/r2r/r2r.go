// Package r2r implements the "raise-to-return" adapter: it unifies a
// plain function that only returns a value and a generator that also
// streams progress under one consumer shape, a lazy progress stream
// plus exactly one final value delivered after the stream closes.
package r2r

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/semaphore"
)

// Result is the one final value a Stream resolves to, paired with any
// error encountered producing it.
type Result[R any] struct {
	Value R
	Err   error
}

// Stream is the consumer-facing shape: a progress channel of T, closed
// when the producer is done, followed by a single Result[R].
type Stream[T, R any] struct {
	progress chan T
	result   chan Result[R]
}

// Progress returns the lazy sequence of progress values. It closes once
// the producer has finished, whether or not Final has been read yet.
func (s *Stream[T, R]) Progress() <-chan T { return s.progress }

// Final blocks for the producer's terminal value, or returns ctx.Err()
// if ctx is canceled first.
func (s *Stream[T, R]) Final(ctx context.Context) (R, error) {
	select {
	case r := <-s.result:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Run starts fn in its own goroutine, recovering a panic into Result.Err
// rather than letting it cross the goroutine boundary. sem may be nil to
// run unbounded; otherwise the goroutine waits for a slot (or for ctx to
// be canceled) before fn starts, so the weighted semaphore bounds actual
// concurrent work, not just pending requests. Run itself returns at once.
func Run[T, R any](ctx context.Context, sem *semaphore.Weighted, fn func(ctx context.Context, progress chan<- T) (R, error)) *Stream[T, R] {
	s := &Stream[T, R]{
		progress: make(chan T, 16),
		result:   make(chan Result[R], 1),
	}

	go func() {
		defer close(s.progress)
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				s.result <- Result[R]{Err: err}
				close(s.result)
				return
			}
			defer sem.Release(1)
		}
		defer func() {
			if rec := recover(); rec != nil {
				var zero R
				s.result <- Result[R]{Value: zero, Err: fmt.Errorf("r2r: panic: %v\n%s", rec, debug.Stack())}
				close(s.result)
			}
		}()

		val, err := fn(ctx, s.progress)
		s.result <- Result[R]{Value: val, Err: err}
		close(s.result)
	}()

	return s
}

// FromValue adapts the first R2R source shape — a plain function
// returning a single value, with no progress reporting — into a Stream
// whose progress channel closes immediately empty.
func FromValue[R any](ctx context.Context, sem *semaphore.Weighted, fn func(ctx context.Context) (R, error)) *Stream[struct{}, R] {
	return Run[struct{}, R](ctx, sem, func(ctx context.Context, _ chan<- struct{}) (R, error) {
		return fn(ctx)
	})
}

// Drain consumes every progress value via onProgress (called in order,
// on the caller's goroutine) and then returns the final value. It is a
// convenience for callers that don't need to interleave progress
// handling with other channel operations.
func Drain[T, R any](ctx context.Context, s *Stream[T, R], onProgress func(T)) (R, error) {
	for p := range s.Progress() {
		if onProgress != nil {
			onProgress(p)
		}
	}
	return s.Final(ctx)
}
