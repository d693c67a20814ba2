// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/gammazero/workerpool"
)

// A Deferred is a handle to a value computed in the background.
//
// It is resolved exactly once, either with a value or with an error.
type Deferred[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolved returns a Deferred that already holds v.
func Resolved[T any](v T) *Deferred[T] {
	d := newDeferred[T]()
	d.resolve(v, nil)
	return d
}

// Failed returns a Deferred that already holds err.
func Failed[T any](err error) *Deferred[T] {
	d := newDeferred[T]()
	var zero T
	d.resolve(zero, err)
	return d
}

func (d *Deferred[T]) resolve(v T, err error) {
	d.value, d.err = v, err
	close(d.done)
}

// Done returns a channel that is closed once the Deferred is resolved.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Await blocks until the Deferred is resolved and returns its outcome.
//
// If ctx is cancelled first, the context error is returned; the background
// computation keeps running.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AsyncTransform runs a delegate [Transform] on a bounded pool of
// goroutines.
//
// Apply submits the record and returns a [Deferred] immediately, so a chunk
// can have many slow transforms in flight at once. Pair it with an
// [AsyncSink], which waits for the results in their original order.
//
// The pool is started by Open and drained by Close, so an AsyncTransform
// must be used as the transform of a step (which opens and closes it) or
// opened explicitly.
//
// Example:
//
//	step, err := batch.NewStep(
//	    batch.StepConfig{Name: "enrich", ChunkSize: 100},
//	    source,
//	    batch.NewAsyncTransform(Enrich, 16),
//	    batch.NewAsyncSink(sink),
//	)
type AsyncTransform[In any, Out any] struct {
	delegate    Transform[In, Out]
	maxInFlight int

	mu   sync.Mutex
	pool *workerpool.WorkerPool
}

var (
	errAsyncNotOpen     = errors.New("async transform is not open")
	errAsyncAlreadyOpen = errors.New("async transform is already open")
)

// NewAsyncTransform wraps delegate so that at most maxInFlight records are
// transformed at once. Zero or less means runtime.GOMAXPROCS(0).
func NewAsyncTransform[In, Out any](
	delegate Transform[In, Out],
	maxInFlight int,
) *AsyncTransform[In, Out] {
	return &AsyncTransform[In, Out]{delegate: delegate, maxInFlight: maxInFlight}
}

// Open starts the worker pool and opens the delegate.
func (a *AsyncTransform[In, Out]) Open(ctx context.Context) error {
	if err := tryOpen(ctx, a.delegate); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return errAsyncAlreadyOpen
	}
	size := a.maxInFlight
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	a.pool = workerpool.New(size)
	return nil
}

// Close waits for every submitted record to finish, stops the pool, and
// closes the delegate.
func (a *AsyncTransform[In, Out]) Close(ctx context.Context) error {
	a.mu.Lock()
	pool := a.pool
	a.pool = nil
	a.mu.Unlock()
	if pool != nil {
		pool.StopWait()
	}
	return tryClose(ctx, a.delegate)
}

// Apply submits in to the pool without blocking.
func (a *AsyncTransform[In, Out]) Apply(ctx context.Context, in In) (*Deferred[Out], error) {
	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()
	if pool == nil {
		return nil, errAsyncNotOpen
	}

	d := newDeferred[Out]()
	pool.Submit(func() {
		var out Out
		err := recoverPanics(func() (err error) {
			out, err = a.delegate.Apply(ctx, in)
			return err
		})
		d.resolve(out, err)
	})
	return d, nil
}

// AsyncSink unwraps the results of an [AsyncTransform] and forwards them to
// a delegate [Sink].
//
// Write waits for every handle in the chunk in order. Records whose
// transform returned [ErrSkip] are dropped. If any transform failed, Write
// returns a [TransformError] for the first failed position and the delegate
// is not called, so nothing from the chunk is written.
type AsyncSink[T any] struct {
	delegate Sink[T]
}

// NewAsyncSink wraps delegate.
func NewAsyncSink[T any](delegate Sink[T]) *AsyncSink[T] {
	return &AsyncSink[T]{delegate: delegate}
}

// Open opens the delegate.
func (s *AsyncSink[T]) Open(ctx context.Context) error {
	return tryOpen(ctx, s.delegate)
}

// Close closes the delegate.
func (s *AsyncSink[T]) Close(ctx context.Context) error {
	return tryClose(ctx, s.delegate)
}

// Write awaits items and writes the resolved values in a single call.
func (s *AsyncSink[T]) Write(ctx context.Context, items []*Deferred[T]) error {
	values := make([]T, 0, len(items))
	skipped := 0
	for i, d := range items {
		v, err := d.Await(ctx)
		if errors.Is(err, ErrSkip) {
			skipped++
			continue
		}
		if err != nil {
			return &TransformError{Index: i, Err: err}
		}
		values = append(values, v)
	}
	if skipped > 0 {
		if c := ContributionFrom(ctx); c != nil {
			c.Skip(skipped)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return s.delegate.Write(ctx, values)
}
