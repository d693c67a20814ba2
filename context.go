// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"log/slog"
	"time"
)

// batchCtxKey is the context key for retrieving the batchCtx.
type batchCtxKey struct{}

// batchCtx consolidates the values a job run places in its context into a
// single lookup.
//
// The batchCtx embeds the parent context.Context to properly delegate
// cancellation, deadlines, and non-batch context values.
type batchCtx struct {
	context.Context

	// job is the execution the context belongs to, nil outside a job run.
	job *JobExecution

	// params are the job parameters. nil outside a job run.
	params Parameters

	// slogger is the active slog.Logger for structured logging.
	slogger *slog.Logger

	// contribution is the chunk currently being written, if any.
	contribution *Contribution
}

// Value implements context.Context.Value by intercepting batchCtxKey lookups
// and delegating all other keys to the embedded parent context.
func (b *batchCtx) Value(key any) any {
	if _, ok := key.(batchCtxKey); !ok {
		return b.Context.Value(key)
	}
	return b
}

// derive creates a new batchCtx that wraps parent and inherits batch values
// from the closest batchCtx in parent, if any.
func derive(parent context.Context) *batchCtx {
	origin, _ := parent.Value(batchCtxKey{}).(*batchCtx)
	if origin == nil {
		return &batchCtx{Context: parent, slogger: slog.Default()}
	}
	return &batchCtx{
		Context:      parent,
		job:          origin.job,
		params:       origin.params,
		slogger:      origin.slogger,
		contribution: origin.contribution,
	}
}

func lookup(ctx context.Context) *batchCtx {
	b, _ := ctx.Value(batchCtxKey{}).(*batchCtx)
	return b
}

// ParametersFrom returns the parameters of the job run that ctx belongs to.
//
// Collaborators use it to resolve resource locations at Open time:
//
//	func (s *FileSource) Open(ctx context.Context) error {
//	    path, ok := batch.ParametersFrom(ctx)["inputFlatFile"]
//	    ...
//	}
//
// Returns nil outside a job run.
func ParametersFrom(ctx context.Context) Parameters {
	if b := lookup(ctx); b != nil {
		return b.params
	}
	return nil
}

// JobExecutionFrom returns the job execution ctx belongs to, or nil outside
// a job run.
func JobExecutionFrom(ctx context.Context) *JobExecution {
	if b := lookup(ctx); b != nil {
		return b.job
	}
	return nil
}

// ContributionFrom returns the counts of the chunk being written.
//
// It is only set in the context passed to [Sink.Write]; elsewhere it
// returns nil.
func ContributionFrom(ctx context.Context) *Contribution {
	if b := lookup(ctx); b != nil {
		return b.contribution
	}
	return nil
}

func withJob(ctx context.Context, job *JobExecution) context.Context {
	b := derive(ctx)
	b.job = job
	b.params = job.Parameters
	return b
}

func withContribution(ctx context.Context, c *Contribution) context.Context {
	b := derive(ctx)
	b.contribution = c
	return b
}

// Timeout limits how long a node may run.
//
// When the timeout elapses, the node's context is cancelled. Cancellation
// only takes effect at chunk boundaries: chunks that were already dispatched
// run to completion, and the step then fails with
// [context.DeadlineExceeded].
//
// Example:
//
//	batch.Timeout(30*time.Minute, importStep)
func Timeout(timeout time.Duration, node Node) Node {
	return &timeoutNode{Node: node, timeout: timeout}
}

type timeoutNode struct {
	Node
	timeout time.Duration
}

func (t *timeoutNode) Execute(ctx context.Context, job *JobExecution) *FlowExecution {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Node.Execute(ctx, job)
}

// sleep pauses for the given duration, returning early with the context
// error if ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
