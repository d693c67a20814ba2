// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestChunkCounts(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 9, 10, 11, 99, 100, 250} {
		for _, c := range []int{1, 3, 10, 100} {
			t.Run("", func(t *testing.T) {
				t.Parallel()
				collector := NewCollector[int]()
				exec, err := RunStep(t.Context(),
					StepConfig{Name: "grid", ChunkSize: c},
					FromSlice(ints(n)), identity, collector,
				)
				if err != nil {
					t.Fatalf("n=%d c=%d: unexpected error: %v", n, c, err)
				}
				wantChunks := (n + c - 1) / c
				chunks := collector.Chunks()
				if len(chunks) != wantChunks {
					t.Errorf("n=%d c=%d: got %d chunks, want %d", n, c, len(chunks), wantChunks)
				}
				for i, chunk := range chunks {
					if len(chunk) == 0 || len(chunk) > c {
						t.Errorf("n=%d c=%d: chunk %d has %d items", n, c, i, len(chunk))
					}
				}
				if got := collector.Items(); !slices.Equal(got, ints(n)) {
					t.Errorf("n=%d c=%d: items out of order or missing: %v", n, c, got)
				}
				if exec.Status() != StatusCompleted {
					t.Errorf("n=%d c=%d: status %s", n, c, exec.Status())
				}
				checkCounts(t, exec, int64(n), int64(n), 0, int64(wantChunks))
			})
		}
	}
}

func TestScenarioFullAndPartialChunks(t *testing.T) {
	t.Parallel()
	collector := NewCollector[int]()
	exec, err := RunStep(t.Context(),
		StepConfig{Name: "load", ChunkSize: 100},
		FromSlice(ints(250)), identity, collector,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sizes []int
	for _, chunk := range collector.Chunks() {
		sizes = append(sizes, len(chunk))
	}
	if !slices.Equal(sizes, []int{100, 100, 50}) {
		t.Errorf("got chunk sizes %v, want [100 100 50]", sizes)
	}
	if exec.Status() != StatusCompleted {
		t.Errorf("got status %s, want COMPLETED", exec.Status())
	}
	if exec.WriteCount() != 250 {
		t.Errorf("got %d written, want 250", exec.WriteCount())
	}
}

func TestScenarioTransformFailure(t *testing.T) {
	t.Parallel()
	collector := NewCollector[int]()
	exec, err := RunStep(t.Context(),
		StepConfig{Name: "load", ChunkSize: 10},
		FromSlice(ints(10)), failOn(7, error1), collector,
	)
	if err := all(isNotNil, matches(error1))(err); err != nil {
		t.Fatal(err)
	}
	var te *TransformError
	if !errors.As(err, &te) || te.Index != 6 {
		t.Errorf("expected TransformError at index 6, got %v", err)
	}
	var ce *ChunkError
	if !errors.As(err, &ce) || ce.Chunk != 1 || ce.Step != "load" {
		t.Errorf("expected ChunkError for load chunk 1, got %v", err)
	}
	if exec.Status() != StatusFailed {
		t.Errorf("got status %s, want FAILED", exec.Status())
	}
	if n := len(collector.Chunks()); n != 0 {
		t.Errorf("got %d committed chunks, want 0", n)
	}
	if !errors.Is(exec.Err(), error1) {
		t.Errorf("step did not retain its error: %v", exec.Err())
	}
	checkCounts(t, exec, 10, 0, 0, 0)
	if exec.RollbackCount() != 1 {
		t.Errorf("got %d rollbacks, want 1", exec.RollbackCount())
	}
}

func TestStepFailures(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name          string
		source        Source[int]
		transform     Transform[int, int]
		sink          Sink[int]
		validator     func(error) error
		expectedItems int
	}{
		{
			name:          "ReadError",
			source:        failingSource(15, error1),
			transform:     identity,
			validator:     all(isType[*ReadError](), matches(error1)),
			expectedItems: 10,
		},
		{
			name:      "WriteError",
			source:    FromSlice(ints(5)),
			transform: identity,
			sink: SinkFunc[int](func(context.Context, []int) error {
				return error1
			}),
			validator: all(isType[*WriteError](), matches(error1)),
		},
		{
			name:   "TransformPanic",
			source: FromSlice(ints(5)),
			transform: TransformFunc[int, int](func(context.Context, int) (int, error) {
				panic("boom")
			}),
			validator: all(isType[*TransformError](), isType[*RecoveredPanic]()),
		},
		{
			name: "SourcePanic",
			source: SourceFunc[int](func(context.Context) (int, error) {
				panic("boom")
			}),
			transform: identity,
			validator: all(isType[*ReadError](), isType[*RecoveredPanic]()),
		},
		{
			name:      "SinkPanic",
			source:    FromSlice(ints(5)),
			transform: identity,
			sink: SinkFunc[int](func(context.Context, []int) error {
				panic("boom")
			}),
			validator: all(isType[*WriteError](), isType[*RecoveredPanic]()),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			collector := NewCollector[int]()
			sink := tc.sink
			if sink == nil {
				sink = collector
			}
			exec, err := RunStep(t.Context(), StepConfig{Name: tc.name, ChunkSize: 10}, tc.source, tc.transform, sink)
			if verr := all(isNotNil, isType[*ChunkError](), tc.validator)(err); verr != nil {
				t.Error(verr)
			}
			if IsFatal(err) {
				t.Errorf("data errors must not be fatal: %v", err)
			}
			if exec.Status() != StatusFailed {
				t.Errorf("got status %s, want FAILED", exec.Status())
			}
			if got := collector.Len(); got != tc.expectedItems {
				t.Errorf("got %d items written, want %d", got, tc.expectedItems)
			}
		})
	}
}

func TestReadErrorPosition(t *testing.T) {
	t.Parallel()
	_, err := RunStep(t.Context(),
		StepConfig{Name: "read", ChunkSize: 10},
		failingSource(15, error1), identity, NewCollector[int](),
	)
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReadError, got %v", err)
	}
	if re.Item != 15 {
		t.Errorf("got failed item %d, want 15", re.Item)
	}
	var ce *ChunkError
	if !errors.As(err, &ce) || ce.Chunk != 2 {
		t.Errorf("expected failure in chunk 2, got %v", err)
	}
}

func TestSkip(t *testing.T) {
	t.Parallel()
	collector := NewCollector[int]()
	exec, err := RunStep(t.Context(),
		StepConfig{Name: "filter", ChunkSize: 4},
		FromSlice(ints(10)), skipEven, collector,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := collector.Items(); !slices.Equal(got, []int{1, 3, 5, 7, 9}) {
		t.Errorf("got %v, want odd records", got)
	}
	checkCounts(t, exec, 10, 5, 5, 3)
}

func TestSkipWholeChunk(t *testing.T) {
	t.Parallel()
	var writes atomic.Int64
	sink := SinkFunc[int](func(context.Context, []int) error {
		writes.Add(1)
		return nil
	})
	exec, err := RunStep(t.Context(),
		StepConfig{Name: "filter", ChunkSize: 1},
		FromSlice([]int{2, 4}), skipEven, sink,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if writes.Load() != 0 {
		t.Errorf("sink called %d times for fully skipped chunks", writes.Load())
	}
	checkCounts(t, exec, 2, 0, 2, 2)
}

func TestMultiThreaded(t *testing.T) {
	t.Parallel()
	const n, chunkSize, poolSize = 1000, 10, 4

	var active, peak atomic.Int64
	collector := NewCollector[int]()
	sink := SinkFunc[int](func(ctx context.Context, items []int) error {
		now := active.Add(1)
		defer active.Add(-1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		return collector.Write(ctx, items)
	})
	// #nosec G404
	jitter := func(int) time.Duration { return time.Duration(rand.IntN(200)) * time.Microsecond }

	exec, err := RunStep(t.Context(),
		StepConfig{Name: "parallel", ChunkSize: chunkSize, PoolSize: poolSize},
		FromSlice(ints(n)), delayed(jitter), sink,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := collector.Chunks()
	if len(chunks) != n/chunkSize {
		t.Errorf("got %d chunks, want %d", len(chunks), n/chunkSize)
	}
	var written []int
	for _, chunk := range chunks {
		if !sort.IntsAreSorted(chunk) {
			t.Errorf("chunk reordered: %v", chunk)
		}
		if chunk[len(chunk)-1]-chunk[0] != len(chunk)-1 {
			t.Errorf("chunk not contiguous: %v", chunk)
		}
		written = append(written, chunk...)
	}
	sort.Ints(written)
	if !slices.Equal(written, ints(n)) {
		t.Errorf("records lost or duplicated: got %d records", len(written))
	}
	if p := peak.Load(); p > poolSize {
		t.Errorf("got %d concurrent chunks, want at most %d", p, poolSize)
	}
	checkCounts(t, exec, n, n, 0, n/chunkSize)
}

func TestMultiThreadedFailureStopsDispatch(t *testing.T) {
	t.Parallel()
	collector := NewCollector[int]()
	exec, err := RunStep(t.Context(),
		StepConfig{Name: "parallel", ChunkSize: 1, PoolSize: 2},
		FromSlice(ints(1000)), failOn(3, error1), collector,
	)
	if verr := all(isType[*ChunkError](), isType[*TransformError](), matches(error1))(err); verr != nil {
		t.Fatal(verr)
	}
	if exec.Status() != StatusFailed {
		t.Errorf("got status %s, want FAILED", exec.Status())
	}
	if slices.Contains(collector.Items(), 3) {
		t.Error("failed record was written")
	}
	if got := collector.Len(); got >= 999 {
		t.Errorf("dispatch continued after failure: %d records written", got)
	}
	if exec.WriteCount() != int64(collector.Len()) {
		t.Errorf("WriteCount %d does not match %d written", exec.WriteCount(), collector.Len())
	}
}

func TestChunkRetry(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name              string
		failures          int64
		retry             []RetryPredicate
		expectedStatus    Status
		expectedAttempts  int64
		expectedRollbacks int64
	}{
		{
			name:              "NoPolicy",
			failures:          1,
			expectedStatus:    StatusFailed,
			expectedAttempts:  1,
			expectedRollbacks: 1,
		},
		{
			name:              "SucceedsThirdAttempt",
			failures:          2,
			retry:             []RetryPredicate{UpTo(5)},
			expectedStatus:    StatusCompleted,
			expectedAttempts:  3,
			expectedRollbacks: 2,
		},
		{
			name:              "ExceedsMaxAttempts",
			failures:          10,
			retry:             []RetryPredicate{UpTo(3)},
			expectedStatus:    StatusFailed,
			expectedAttempts:  3,
			expectedRollbacks: 3,
		},
		{
			name:     "OnlyIfRetryable",
			failures: 2,
			retry: []RetryPredicate{
				OnlyIf(func(err error) bool { return errors.Is(err, errorRetryable) }),
				UpTo(5),
			},
			expectedStatus:    StatusCompleted,
			expectedAttempts:  3,
			expectedRollbacks: 2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink, collector, attempts := failUntilAttempt(tc.failures+1, errorRetryable)
			exec, _ := RunStep(t.Context(),
				StepConfig{Name: tc.name, ChunkSize: 10, Retry: tc.retry},
				FromSlice(ints(5)), identity, sink,
			)
			if exec.Status() != tc.expectedStatus {
				t.Errorf("got status %s, want %s", exec.Status(), tc.expectedStatus)
			}
			if got := attempts.Load(); got != tc.expectedAttempts {
				t.Errorf("got %d attempts, want %d", got, tc.expectedAttempts)
			}
			if got := exec.RollbackCount(); got != tc.expectedRollbacks {
				t.Errorf("got %d rollbacks, want %d", got, tc.expectedRollbacks)
			}
			if tc.expectedStatus == StatusCompleted && !slices.Equal(collector.Items(), ints(5)) {
				t.Errorf("retried chunk wrote %v", collector.Items())
			}
		})
	}
}

func TestChunkRetryNonRetryable(t *testing.T) {
	t.Parallel()
	sink, _, attempts := failUntilAttempt(10, errorNonRetryable)
	_, err := RunStep(t.Context(),
		StepConfig{
			Name:      "load",
			ChunkSize: 10,
			Retry: []RetryPredicate{
				OnlyIf(func(err error) bool { return errors.Is(err, errorRetryable) }),
				UpTo(5),
			},
		},
		FromSlice(ints(5)), identity, sink,
	)
	if verr := matches(errorNonRetryable)(err); verr != nil {
		t.Error(verr)
	}
	if attempts.Load() != 1 {
		t.Errorf("got %d attempts, want 1", attempts.Load())
	}
}

func TestOpenFailureIsFatal(t *testing.T) {
	t.Parallel()
	src := &openFailure{err: error1}
	exec, err := RunStep(t.Context(), StepConfig{Name: "load", ChunkSize: 10}, Source[int](src), identity, NewCollector[int]())
	if verr := all(isType[*ConfigError](), matches(error1))(err); verr != nil {
		t.Fatal(verr)
	}
	if !IsFatal(err) {
		t.Error("expected fatal error")
	}
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Field != "load.source" {
		t.Errorf("got field %q, want load.source", ce.Field)
	}
	if exec.Status() != StatusFailed {
		t.Errorf("got status %s, want FAILED", exec.Status())
	}
}

func TestStepLifecycle(t *testing.T) {
	t.Parallel()
	sink := &lifecycleSink{}
	src := FromSlice(ints(3))
	step := mustStep(t, StepConfig{Name: "load", ChunkSize: 2}, Source[int](src), identity, Sink[int](sink))

	for run := 1; run <= 2; run++ {
		exec, err := runJob(t, step, nil)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
		if got := exec.Step("load").ReadCount(); got != 3 {
			t.Errorf("run %d: source not rewound, read %d", run, got)
		}
	}
	if !slices.Equal(sink.events, []string{"open", "close", "open", "close"}) {
		t.Errorf("got lifecycle events %v", sink.events)
	}
	if sink.Len() != 6 {
		t.Errorf("got %d items over two runs, want 6", sink.Len())
	}
}

func TestStepConfigValidation(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name  string
		cfg   StepConfig
		field string
	}{
		{name: "MissingName", cfg: StepConfig{ChunkSize: 1}, field: "StepConfig.Name"},
		{name: "ZeroChunkSize", cfg: StepConfig{Name: "s"}, field: "StepConfig.ChunkSize"},
		{name: "NegativePool", cfg: StepConfig{Name: "s", ChunkSize: 1, PoolSize: -1}, field: "StepConfig.PoolSize"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewStep(tc.cfg, FromSlice(ints(1)), identity, NewCollector[int]())
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tc.field {
				t.Errorf("got field %q, want %q", ce.Field, tc.field)
			}
		})
	}

	t.Run("NilSink", func(t *testing.T) {
		t.Parallel()
		_, err := NewStep[int, int](StepConfig{Name: "s", ChunkSize: 1}, FromSlice(ints(1)), identity, nil)
		if verr := isType[*ConfigError]()(err); verr != nil {
			t.Error(verr)
		}
	})
}

func TestStepAlreadyRunning(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := TransformFunc[int, int](func(_ context.Context, i int) (int, error) {
		once.Do(func() { close(started) })
		<-release
		return i, nil
	})
	step := mustStep(t, StepConfig{Name: "slow", ChunkSize: 1}, FromSlice(ints(1)), Transform[int, int](blocking), NewCollector[int]())

	done := make(chan *FlowExecution)
	go func() {
		done <- step.Execute(t.Context(), newJobExecution("first", nil, nil))
	}()
	<-started

	second := step.Execute(t.Context(), newJobExecution("second", nil, nil))
	if verr := matches(ErrAlreadyRunning)(second.Err()); verr != nil {
		t.Error(verr)
	}
	if second.Status() != StatusFailed {
		t.Errorf("got status %s, want FAILED", second.Status())
	}

	close(release)
	if first := <-done; first.Status() != StatusCompleted {
		t.Errorf("first execution: got status %s, want COMPLETED", first.Status())
	}
}

func TestCancellationAtChunkBoundary(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	collector := NewCollector[int]()
	sink := SinkFunc[int](func(ctx context.Context, items []int) error {
		cancel()
		// the chunk finishes even though the step was cancelled
		time.Sleep(10 * time.Millisecond)
		return collector.Write(ctx, items)
	})
	exec, err := RunStep(ctx, StepConfig{Name: "load", ChunkSize: 10}, FromSlice(ints(100)), identity, sink)
	if verr := matches(context.Canceled)(err); verr != nil {
		t.Fatal(verr)
	}
	if got := collector.Len(); got != 10 {
		t.Errorf("got %d records written, want the first chunk of 10", got)
	}
	if exec.CommitCount() != 1 {
		t.Errorf("got %d commits, want 1", exec.CommitCount())
	}
}

func TestEmptySource(t *testing.T) {
	t.Parallel()
	var writes atomic.Int64
	sink := SinkFunc[int](func(context.Context, []int) error {
		writes.Add(1)
		return nil
	})
	for _, pool := range []int{0, 4} {
		exec, err := RunStep(t.Context(), StepConfig{Name: "empty", ChunkSize: 10, PoolSize: pool}, FromSlice[int](nil), identity, sink)
		if err != nil {
			t.Fatalf("pool %d: unexpected error: %v", pool, err)
		}
		if exec.Status() != StatusCompleted {
			t.Errorf("pool %d: got status %s", pool, exec.Status())
		}
	}
	if writes.Load() != 0 {
		t.Errorf("sink called %d times", writes.Load())
	}
}

func TestHugeChunkSize(t *testing.T) {
	t.Parallel()
	for _, pool := range []int{0, 4} {
		collector := NewCollector[int]()
		exec, err := RunStep(t.Context(), StepConfig{Name: "huge", ChunkSize: math.MaxInt, PoolSize: pool},
			FromSlice([]int{1, 2, 3}), identity, Sink[int](collector))
		if err != nil {
			t.Fatalf("pool %d: unexpected error: %v", pool, err)
		}
		if exec.ReadCount() != 3 || exec.CommitCount() != 1 || collector.Len() != 3 {
			t.Errorf("pool %d: read %d, commits %d, written %d",
				pool, exec.ReadCount(), exec.CommitCount(), collector.Len())
		}
	}
}
