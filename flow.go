// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"

	"golang.org/x/time/rate"
)

// A Source produces a finite sequence of records.
//
// Read returns [ErrEndOfStream] once the sequence is exhausted. A Source is
// only ever called from a single coordinating goroutine, so it does not need
// to be safe for concurrent use. Sources that also implement [Opener] are
// rewound to the start of their sequence on every Open.
type Source[T any] interface {
	Read(ctx context.Context) (T, error)
}

// A Sink persists an ordered batch of records as one unit.
//
// Each call to Write is one chunk: it must either persist every item or
// none of them. In multi-threaded steps Write is called concurrently, so a
// Sink must either be safe for concurrent use or hold one resource per call.
type Sink[T any] interface {
	Write(ctx context.Context, items []T) error
}

// A Transform converts one record into another.
//
// Returning [ErrSkip] filters the record out of its chunk. Transforms are
// invoked exactly once per input record; retries only happen when a step is
// configured with a retry policy.
type Transform[In any, Out any] interface {
	Apply(ctx context.Context, in In) (Out, error)
}

// Opener is implemented by collaborators that acquire resources before a
// step processes its first chunk.
//
// An Open failure is treated as a configuration error and is fatal to the
// job.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is implemented by collaborators that release resources after a
// step has processed its last chunk.
type Closer interface {
	Close(ctx context.Context) error
}

// SourceFunc adapts a function to a [Source].
type SourceFunc[T any] func(context.Context) (T, error)

// Read calls f(ctx).
func (f SourceFunc[T]) Read(ctx context.Context) (T, error) {
	return f(ctx)
}

// SinkFunc adapts a function to a [Sink].
type SinkFunc[T any] func(context.Context, []T) error

// Write calls f(ctx, items).
func (f SinkFunc[T]) Write(ctx context.Context, items []T) error {
	return f(ctx, items)
}

// TransformFunc adapts a function to a [Transform].
type TransformFunc[In any, Out any] func(context.Context, In) (Out, error)

// Apply calls f(ctx, in).
func (f TransformFunc[In, Out]) Apply(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

// Identity returns a [Transform] that passes every record through unchanged.
//
// Steps that only read and write use Identity as their transform.
func Identity[T any]() Transform[T, T] {
	return TransformFunc[T, T](func(_ context.Context, t T) (T, error) {
		return t, nil
	})
}

// Chain composes two Transforms into a single [Transform].
//
// The output of the first becomes the input to the second. If the first
// transform fails (or skips the record), the second is not invoked.
//
// Example:
//
//	enrich := batch.Chain(
//	    ParseAmount,    // Transform[RawTxn, Txn]
//	    ConvertCurrency, // Transform[Txn, Txn]
//	)                    // Transform[RawTxn, Txn]
func Chain[A, B, C any](
	first Transform[A, B],
	second Transform[B, C],
) Transform[A, C] {
	return TransformFunc[A, C](func(ctx context.Context, a A) (C, error) {
		b, err := first.Apply(ctx, a)
		if err != nil {
			var zero C
			return zero, err
		}
		return second.Apply(ctx, b)
	})
}

// Throttle limits how often a [Transform] is applied.
//
// Each invocation waits on the limiter before calling the delegate. This is
// useful when the transform calls a rate-limited external service. If the
// context is cancelled while waiting, the context error is returned.
//
// Example:
//
//	lookup := batch.Throttle(LookupAccount, rate.NewLimiter(100, 10))
func Throttle[In, Out any](
	transform Transform[In, Out],
	limiter *rate.Limiter,
) Transform[In, Out] {
	return TransformFunc[In, Out](func(ctx context.Context, in In) (Out, error) {
		if err := limiter.Wait(ctx); err != nil {
			var zero Out
			return zero, err
		}
		return transform.Apply(ctx, in)
	})
}

// tryOpen calls Open on v if it implements [Opener].
func tryOpen(ctx context.Context, v any) error {
	if o, ok := v.(Opener); ok {
		return o.Open(ctx)
	}
	return nil
}

// tryClose calls Close on v if it implements [Closer].
func tryClose(ctx context.Context, v any) error {
	if c, ok := v.(Closer); ok {
		return c.Close(ctx)
	}
	return nil
}
