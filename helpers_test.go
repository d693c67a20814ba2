// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ==== Test Helpers: Error Variables ====

var error1 = errors.New("error 1")
var errorRetryable = errors.New("retryable error")
var errorNonRetryable = errors.New("non-retryable error")

// ==== Test Helpers: Sources ====

// ints returns the records 1..n.
func ints(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i + 1
	}
	return items
}

// failingSource returns the records 1..n and then fails with err.
func failingSource(n int, err error) Source[int] {
	next := 0
	return SourceFunc[int](func(context.Context) (int, error) {
		if next >= n {
			return 0, err
		}
		next++
		return next, nil
	})
}

// openFailure is a source whose Open always fails.
type openFailure struct {
	SliceSource[int]
	err error
}

func (o *openFailure) Open(context.Context) error { return o.err }

// ==== Test Helpers: Transforms ====

// identity passes ints through unchanged.
var identity = Identity[int]()

// failOn fails the transform for record n.
func failOn(n int, err error) Transform[int, int] {
	return TransformFunc[int, int](func(_ context.Context, i int) (int, error) {
		if i == n {
			return 0, err
		}
		return i, nil
	})
}

// skipEven filters out even records.
var skipEven = TransformFunc[int, int](func(_ context.Context, i int) (int, error) {
	if i%2 == 0 {
		return 0, ErrSkip
	}
	return i, nil
})

// delayed sleeps for delay(record) before passing the record through.
func delayed(delay func(int) time.Duration) Transform[int, int] {
	return TransformFunc[int, int](func(ctx context.Context, i int) (int, error) {
		if err := sleep(ctx, delay(i)); err != nil {
			return 0, err
		}
		return i, nil
	})
}

// countingTransform counts every invocation.
type countingTransform struct {
	calls atomic.Int64
}

func (c *countingTransform) Apply(_ context.Context, i int) (int, error) {
	c.calls.Add(1)
	return i, nil
}

// ==== Test Helpers: Sinks ====

// failUntilAttempt fails every write until the given attempt.
func failUntilAttempt(attempt int64, err error) (Sink[int], *Collector[int], *atomic.Int64) {
	var attempts atomic.Int64
	collector := NewCollector[int]()
	sink := SinkFunc[int](func(ctx context.Context, items []int) error {
		if attempts.Add(1) < attempt {
			return err
		}
		return collector.Write(ctx, items)
	})
	return sink, collector, &attempts
}

// lifecycleSink records Open and Close calls.
type lifecycleSink struct {
	Collector[int]
	mu     sync.Mutex
	events []string
}

func (l *lifecycleSink) Open(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "open")
	return nil
}

func (l *lifecycleSink) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "close")
	return nil
}

// ==== Test Helpers: Nodes ====

// mustStep builds a step or fails the test.
func mustStep[In, Out any](
	t *testing.T,
	cfg StepConfig,
	source Source[In],
	transform Transform[In, Out],
	sink Sink[Out],
) *Step[In, Out] {
	t.Helper()
	step, err := NewStep(cfg, source, transform, sink)
	if err != nil {
		t.Fatalf("NewStep: %v", err)
	}
	return step
}

// sleepStep builds a single-chunk step that takes about d to run.
func sleepStep(t *testing.T, name string, d time.Duration, sink Sink[int]) *Step[int, int] {
	t.Helper()
	return mustStep(t,
		StepConfig{Name: name, ChunkSize: 10},
		FromSlice([]int{1}),
		delayed(func(int) time.Duration { return d }),
		sink,
	)
}

// failStep builds a step whose only record fails to transform.
func failStep(t *testing.T, name string) *Step[int, int] {
	t.Helper()
	return mustStep(t,
		StepConfig{Name: name, ChunkSize: 10},
		FromSlice([]int{1}),
		failOn(1, error1),
		NewCollector[int](),
	)
}

// runJob runs root as a job and fails the test if the execution is nil.
func runJob(t *testing.T, root Node, params Parameters, opts ...JobOption) (*JobExecution, error) {
	t.Helper()
	job, err := NewJob("test", root, opts...)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	exec, err := NewRunner().Run(t.Context(), job, params)
	if exec == nil {
		t.Fatalf("Run returned no execution: %v", err)
	}
	return exec, err
}

// ==== Test Helpers: Error Validators ====

// isNil validates that the error is nil.
func isNil(testErr error) error {
	if testErr != nil {
		return fmt.Errorf("unexpected error: %w", testErr)
	}
	return nil
}

// isNotNil validates that the error is not nil.
func isNotNil(testErr error) error {
	if testErr == nil {
		return fmt.Errorf("expected error but got nil")
	}
	return nil
}

// all returns a validator that passes only if all the given validators pass.
func all(validators ...func(error) error) func(error) error {
	return func(testErr error) error {
		for _, validator := range validators {
			if err := validator(testErr); err != nil {
				return err
			}
		}
		return nil
	}
}

// matches returns a validator that checks if the error matches the target error using errors.Is.
func matches(targetErr error) func(error) error {
	return func(testErr error) error {
		if !errors.Is(testErr, targetErr) {
			return fmt.Errorf("expected error %v to match error %v", testErr, targetErr)
		}
		return nil
	}
}

// isType returns a validator that checks the error chain contains an E.
func isType[E error]() func(error) error {
	return func(testErr error) error {
		var target E
		if !errors.As(testErr, &target) {
			return fmt.Errorf("expected %T in error chain, got %v", target, testErr)
		}
		return nil
	}
}

// checkCounts compares a step execution's counters.
func checkCounts(t *testing.T, exec *StepExecution, read, written, skipped, commits int64) {
	t.Helper()
	if got := exec.ReadCount(); got != read {
		t.Errorf("ReadCount = %d, want %d", got, read)
	}
	if got := exec.WriteCount(); got != written {
		t.Errorf("WriteCount = %d, want %d", got, written)
	}
	if got := exec.SkipCount(); got != skipped {
		t.Errorf("SkipCount = %d, want %d", got, skipped)
	}
	if got := exec.CommitCount(); got != commits {
		t.Errorf("CommitCount = %d, want %d", got, commits)
	}
}
