// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"log/slog"
)

// Slogger returns the [slog.Logger] from the context, or [slog.Default] if none is set.
//
// Collaborators use it to log with the attributes of the running job:
//
//	func (s *Sink) Write(ctx context.Context, items []Txn) error {
//	    batch.Slogger(ctx).Debug("writing transactions", "count", len(items))
//	    ...
//	}
func Slogger(ctx context.Context) *slog.Logger {
	if b := lookup(ctx); b != nil && b.slogger != nil {
		return b.slogger
	}
	return slog.Default()
}

// WithSlogger returns a context that carries logger.
//
// The [Runner] installs its logger this way, so it rarely needs to be called
// directly; it is useful when running a single step with [RunStep].
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	exec, err := batch.RunStep(batch.WithSlogger(ctx, logger), cfg, src, identity, sink)
func WithSlogger(ctx context.Context, logger *slog.Logger) context.Context {
	b := derive(ctx)
	b.slogger = logger
	return b
}

// logStepFinished emits the record written when a step reaches a terminal
// status.
func logStepFinished(ctx context.Context, exec *StepExecution) {
	summary := exec.Summary()
	attrs := []any{
		"step", summary.StepName,
		"status", summary.Status,
		"read", summary.ReadCount,
		"written", summary.WriteCount,
		"skipped", summary.SkipCount,
		"commits", summary.CommitCount,
		"duration_ms", elapsed(summary.Status, summary.StartTime, summary.EndTime).Milliseconds(),
	}
	logger := Slogger(ctx)
	if summary.Status == StatusFailed {
		logger.WarnContext(ctx, "step failed", append(attrs, "error", summary.Error)...)
		return
	}
	logger.InfoContext(ctx, "step finished", attrs...)
}
