// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// StepConfig specifies how a chunk-oriented step runs.
type StepConfig struct {
	// Name identifies the step in executions, logs, and errors.
	Name string `validate:"required"`

	// ChunkSize is the maximum number of records written per Sink call.
	ChunkSize int `validate:"gt=0"`

	// PoolSize controls how many chunks are processed at once.
	//
	// Zero or one runs the step on a single goroutine. Larger values
	// dispatch every chunk to a fixed pool of PoolSize workers; reading
	// still happens on one goroutine, which blocks while the pool is full.
	PoolSize int `validate:"gte=0"`

	// Retry is applied to each chunk's transform-and-write. All predicates
	// must agree for a failed chunk to be retried. No retries by default.
	Retry []RetryPredicate
}

// A Step reads records from a [Source], transforms them, and writes them to
// a [Sink] in chunks.
//
// Each chunk is an independent unit: a failure abandons the chunk and fails
// the step, but chunks that were already written stay written.
//
// A Step is a [Node] and can be composed into flows. The same Step must not
// run in two job executions at once; the second execution fails with
// [ErrAlreadyRunning].
type Step[In any, Out any] struct {
	cfg       StepConfig
	source    Source[In]
	transform Transform[In, Out]
	sink      Sink[Out]

	running atomic.Bool
}

// NewStep validates cfg and builds a [Step].
//
// Invalid configuration is reported as a [ConfigError].
//
// Example:
//
//	step, err := batch.NewStep(
//	    batch.StepConfig{Name: "load", ChunkSize: 100, PoolSize: 4},
//	    csvSource,
//	    batch.Identity[Txn](),
//	    sqlSink,
//	)
func NewStep[In, Out any](
	cfg StepConfig,
	source Source[In],
	transform Transform[In, Out],
	sink Sink[Out],
) (*Step[In, Out], error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	switch {
	case source == nil:
		return nil, &ConfigError{Field: cfg.Name + ".source", Err: errors.New("is required")}
	case transform == nil:
		return nil, &ConfigError{Field: cfg.Name + ".transform", Err: errors.New("is required")}
	case sink == nil:
		return nil, &ConfigError{Field: cfg.Name + ".sink", Err: errors.New("is required")}
	}
	return &Step[In, Out]{
		cfg:       cfg,
		source:    source,
		transform: transform,
		sink:      sink,
	}, nil
}

// RunStep builds a [Step] and runs it once outside of any job.
//
// The returned error is the step's first failure, also available from
// [StepExecution.Err].
func RunStep[In, Out any](
	ctx context.Context,
	cfg StepConfig,
	source Source[In],
	transform Transform[In, Out],
	sink Sink[Out],
) (*StepExecution, error) {
	step, err := NewStep(cfg, source, transform, sink)
	if err != nil {
		return nil, err
	}
	job := newJobExecution(cfg.Name, ParametersFrom(ctx), nil)
	return step.execute(withJob(ctx, job), job)
}

// Name returns the configured step name.
func (s *Step[In, Out]) Name() string {
	return s.cfg.Name
}

// Config returns the step's configuration.
func (s *Step[In, Out]) Config() StepConfig {
	return s.cfg
}

// Execute runs the step as part of job and implements [Node].
func (s *Step[In, Out]) Execute(ctx context.Context, job *JobExecution) *FlowExecution {
	flow := newFlowExecution(s.cfg.Name)
	if ctx.Err() == nil {
		_ = flow.lc.begin(ctx)
	}
	_, err := s.execute(ctx, job)
	_ = flow.lc.finish(ctx, err)
	return flow
}

func (s *Step[In, Out]) execute(ctx context.Context, job *JobExecution) (*StepExecution, error) {
	exec := job.startStep(ctx, s.cfg.Name)
	if !s.running.CompareAndSwap(false, true) {
		err := fmt.Errorf("%s: %w", s.cfg.Name, ErrAlreadyRunning)
		_ = exec.lc.finish(ctx, err)
		job.saveStep(ctx, exec)
		return exec, err
	}
	defer s.running.Store(false)

	err := s.run(ctx, exec)
	job.saveStep(ctx, exec)
	if IsFatal(err) {
		job.fail(err)
	}
	return exec, err
}

func (s *Step[In, Out]) run(ctx context.Context, exec *StepExecution) (err error) {
	if err := ctx.Err(); err != nil {
		// never started: the job was stopped before this step's turn
		_ = exec.lc.finish(ctx, err)
		Slogger(ctx).InfoContext(ctx, "step not started", "step", s.cfg.Name, "error", err)
		return err
	}
	if err := exec.lc.begin(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = &RecoveredPanic{Value: r}
		}
		_ = exec.lc.finish(ctx, err)
		logStepFinished(ctx, exec)
	}()
	Slogger(ctx).InfoContext(ctx, "step started",
		"step", s.cfg.Name,
		"chunk_size", s.cfg.ChunkSize,
		"pool_size", s.cfg.PoolSize,
	)

	closeAll, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeAll(); cerr != nil && err == nil {
			err = fmt.Errorf("%s: close: %w", s.cfg.Name, cerr)
		}
	}()

	if s.cfg.PoolSize > 1 {
		return s.runConcurrent(ctx, exec)
	}
	return s.runSerial(ctx, exec)
}

// open opens every collaborator that implements [Opener], in the order
// source, transform, sink. The returned function closes them in reverse.
func (s *Step[In, Out]) open(ctx context.Context) (func() error, error) {
	collaborators := []struct {
		role string
		v    any
	}{
		{"source", s.source},
		{"transform", s.transform},
		{"sink", s.sink},
	}
	closeCtx := context.WithoutCancel(ctx)
	var opened []any
	closeAll := func() error {
		var errs []error
		for i := len(opened) - 1; i >= 0; i-- {
			if err := tryClose(closeCtx, opened[i]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	for _, c := range collaborators {
		if err := recoverPanics(func() error { return tryOpen(ctx, c.v) }); err != nil {
			_ = closeAll()
			return nil, &ConfigError{Field: s.cfg.Name + "." + c.role, Err: err}
		}
		opened = append(opened, c.v)
	}
	return closeAll, nil
}

// runSerial processes chunks one after another on the calling goroutine.
func (s *Step[In, Out]) runSerial(ctx context.Context, exec *StepExecution) error {
	// dispatched chunks are never cancelled midway
	chunkCtx := context.WithoutCancel(ctx)
	var position int64
	for chunk := 1; ; chunk++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, eos, err := s.readChunk(chunkCtx, &position)
		exec.addRead(len(items))
		if err != nil {
			return &ChunkError{Step: s.cfg.Name, Chunk: chunk, Err: err}
		}
		if len(items) > 0 {
			if err := s.processChunk(ctx, chunkCtx, exec, items); err != nil {
				return &ChunkError{Step: s.cfg.Name, Chunk: chunk, Err: err}
			}
			Slogger(ctx).DebugContext(ctx, "chunk committed", "step", s.cfg.Name, "chunk", chunk, "items", len(items))
		}
		if eos {
			return nil
		}
	}
}

// runConcurrent assembles chunks on the calling goroutine and processes
// them on a pool of PoolSize workers.
//
// After the first failed chunk no further chunks are dispatched; chunks
// already in flight run to completion.
func (s *Step[In, Out]) runConcurrent(ctx context.Context, exec *StepExecution) error {
	chunkCtx := context.WithoutCancel(ctx)

	var pool errgroup.Group
	pool.SetLimit(s.cfg.PoolSize)
	var failed atomic.Bool

	var stopErr error
	var position int64
	for chunk := 1; ; chunk++ {
		if failed.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		items, eos, err := s.readChunk(chunkCtx, &position)
		exec.addRead(len(items))
		if err != nil {
			stopErr = &ChunkError{Step: s.cfg.Name, Chunk: chunk, Err: err}
			break
		}
		if len(items) > 0 {
			// blocks while PoolSize chunks are in flight
			pool.Go(func() error {
				if err := s.processChunk(ctx, chunkCtx, exec, items); err != nil {
					failed.Store(true)
					return &ChunkError{Step: s.cfg.Name, Chunk: chunk, Err: err}
				}
				Slogger(ctx).DebugContext(ctx, "chunk committed", "step", s.cfg.Name, "chunk", chunk, "items", len(items))
				return nil
			})
		}
		if eos {
			break
		}
	}

	if err := pool.Wait(); err != nil {
		return err
	}
	return stopErr
}

// maxChunkPrealloc bounds the capacity allocated up front for a chunk; larger
// chunks grow as records arrive.
const maxChunkPrealloc = 1024

// readChunk pulls up to ChunkSize records from the source. At the end of
// the stream it returns the records read so far and eos = true.
func (s *Step[In, Out]) readChunk(ctx context.Context, position *int64) (items []In, eos bool, err error) {
	items = make([]In, 0, min(s.cfg.ChunkSize, maxChunkPrealloc))
	for len(items) < s.cfg.ChunkSize {
		var item In
		err := recoverPanics(func() (err error) {
			item, err = s.source.Read(ctx)
			return err
		})
		if errors.Is(err, ErrEndOfStream) {
			return items, true, nil
		}
		if err != nil {
			return items, false, &ReadError{Item: *position, Err: err}
		}
		*position++
		items = append(items, item)
	}
	return items, false, nil
}

// processChunk transforms and writes one chunk, applying the retry policy.
//
// ctx governs backoff waits between attempts; the collaborators themselves
// run with chunkCtx, which is never cancelled.
func (s *Step[In, Out]) processChunk(
	ctx context.Context,
	chunkCtx context.Context,
	exec *StepExecution,
	items []In,
) error {
	return retry(ctx, s.cfg.Retry,
		func() error {
			return s.writeChunk(chunkCtx, exec, items)
		},
		func(err error) {
			exec.rollback()
			Slogger(ctx).WarnContext(ctx, "chunk attempt failed", "step", s.cfg.Name, "items", len(items), "error", err)
		},
	)
}

// writeChunk applies the transform to every record in order and hands the
// results to the sink in a single call. Nothing is written if any record
// fails to transform.
func (s *Step[In, Out]) writeChunk(ctx context.Context, exec *StepExecution, items []In) error {
	contribution := &Contribution{}
	out := make([]Out, 0, len(items))
	for i, item := range items {
		var result Out
		err := recoverPanics(func() (err error) {
			result, err = s.transform.Apply(ctx, item)
			return err
		})
		if errors.Is(err, ErrSkip) {
			contribution.skipped++
			continue
		}
		if err != nil {
			return &TransformError{Index: i, Err: err}
		}
		out = append(out, result)
	}
	contribution.written = int64(len(out))

	if len(out) > 0 {
		err := recoverPanics(func() error {
			return s.sink.Write(withContribution(ctx, contribution), out)
		})
		if err != nil {
			// async sinks surface transform failures at write time
			var te *TransformError
			if errors.As(err, &te) {
				return err
			}
			return &WriteError{Err: err}
		}
	}
	exec.commit(contribution)
	return nil
}
