// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"errors"
	"fmt"
)

// ErrEndOfStream is returned by a [Source] when no more records are available.
//
// Example:
//
//	func (q *Queue) Read(ctx context.Context) (Item, error) {
//	    if q.IsEmpty() {
//	        return Item{}, batch.ErrEndOfStream
//	    }
//	    return q.Pop(), nil
//	}
var ErrEndOfStream = errors.New("end of stream")

// ErrSkip is returned by a [Transform] to filter a record out of its chunk.
//
// Skipped records are not written and are counted in
// [StepExecution.SkipCount].
var ErrSkip = errors.New("record skipped")

// ErrAlreadyRunning is returned when a [Node] is executed while a previous
// execution of the same node is still in progress.
var ErrAlreadyRunning = errors.New("node is already running")

// ConfigError reports a problem with how a job or step was configured, such
// as an invalid chunk size, a missing job parameter, or a resource that
// cannot be opened.
//
// Configuration errors are fatal: they abort the whole job, not just the
// branch in which they were detected.
type ConfigError struct {
	// Field names the offending setting, parameter, or resource.
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ReadError wraps a failure returned by a [Source].
type ReadError struct {
	// Item is the zero-based position of the failed read within the step.
	Item int64
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read item %d: %v", e.Item, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// TransformError wraps a failure returned by a [Transform].
//
// Index is the position of the failed record within its chunk; records at
// and after Index were not written, and neither were the ones before it,
// because a chunk is committed all-or-nothing.
type TransformError struct {
	Index int
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform item %d: %v", e.Index, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// WriteError wraps a failure returned by a [Sink].
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ChunkError locates a failure within a step.
//
// Users can use [errors.As] to find the chunk that failed, and then to
// inspect the underlying [ReadError], [TransformError], or [WriteError].
type ChunkError struct {
	Step  string
	Chunk int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s: chunk %d: %v", e.Step, e.Chunk, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// RecoveredPanic is an error type that wraps a panic value.
type RecoveredPanic struct {
	Value any
}

func (p *RecoveredPanic) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// IsFatal reports whether err must abort the whole job.
func IsFatal(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// recoverPanics calls f, converting a panic into a [RecoveredPanic] error.
func recoverPanics(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RecoveredPanic{Value: r}
		}
	}()
	return f()
}
