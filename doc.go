// SPDX-License-Identifier: Apache-2.0

// Package batch provides a library for chunk-oriented batch jobs: read
// records from a source, transform them, and write them to a sink in fixed
// size chunks, with built-in multi-threading, asynchronous transforms,
// parallel flows, and per-chunk retry.
//
// # Core Concepts
//
// A [Step] is built from three collaborators:
//
//	type Source[T any] interface { Read(ctx context.Context) (T, error) }
//	type Transform[In, Out any] interface { Apply(ctx context.Context, in In) (Out, error) }
//	type Sink[T any] interface { Write(ctx context.Context, items []T) error }
//
// The step reads up to [StepConfig.ChunkSize] records, applies the transform
// to each in order, and hands the results to the sink in one call. A chunk
// is the unit of success and failure: if any record of a chunk fails to
// transform, nothing from that chunk is written. Chunks written before a
// failure stay written.
//
// Collaborators that hold resources implement [Opener] and [Closer]. Open
// runs before the first chunk and may consult the job's parameters through
// [ParametersFrom]; an Open failure is a [ConfigError] and aborts the whole
// job.
//
// # Multi-threaded Steps
//
// Setting [StepConfig.PoolSize] above one processes chunks on a fixed pool
// of workers. Records are still read by a single goroutine, which waits
// whenever the pool is busy, so the source never needs to be thread-safe.
// Chunks may complete in any order; each chunk keeps the order of its own
// records.
//
//	step, err := batch.NewStep(
//	    batch.StepConfig{Name: "load", ChunkSize: 100, PoolSize: 4},
//	    source,
//	    batch.Identity[Transaction](),
//	    sink,
//	)
//
// # Asynchronous Transforms
//
// When the transform is slow but the chunk structure must be kept, wrap it
// in an [AsyncTransform] and the sink in an [AsyncSink]. Transforms then run
// concurrently on a bounded pool, and the sink waits for their results in
// the original order:
//
//	step, err := batch.NewStep(
//	    batch.StepConfig{Name: "enrich", ChunkSize: 100},
//	    source,
//	    batch.NewAsyncTransform(enrich, 16),
//	    batch.NewAsyncSink(sink),
//	)
//
// # Flows and Jobs
//
// Steps are [Node] values and compose into flows with [Sequence], [Split],
// [Decide], and [When]. A [Job] names a root node; a [Runner] runs it and
// records a [JobExecution] with one [StepExecution] per step:
//
//	job, err := batch.NewJob("import",
//	    batch.Split("parallel", xmlStep, csvStep),
//	    batch.RequireParameters("inputFlatFile", "inputXmlFile"),
//	)
//	exec, err := batch.NewRunner().Run(ctx, job, batch.Parameters{
//	    "inputFlatFile": "data/transactions.csv",
//	    "inputXmlFile":  "data/transactions.xml",
//	})
//
// A failed branch of a split does not stop its siblings. Fatal errors do:
// a [ConfigError] anywhere cancels the job, and running steps stop at their
// next chunk boundary.
//
// # Error Handling
//
// Step failures are reported as a [ChunkError] wrapping a [ReadError],
// [TransformError], or [WriteError]. Panics in collaborators are recovered
// and reported as [RecoveredPanic]. A transform may return [ErrSkip] to
// filter a record; skipped records are counted but not written.
//
// Retries are configured per step with [RetryPredicate] values such as
// [UpTo], [ExponentialBackoff], and [OnlyIf]. A retried chunk is
// transformed and written again from its original records.
//
// # Logging
//
// The runner installs its [slog.Logger] into the job context. Collaborators
// retrieve it with [Slogger].
package batch
