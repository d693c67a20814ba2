// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// A Job is a named flow of nodes that is run as one unit by a [Runner].
type Job struct {
	name     string
	root     Node
	required []string
}

// JobOption configures a [Job].
type JobOption func(*Job)

// RequireParameters declares parameters that must be present, and
// non-empty, for the job to start.
//
// Example:
//
//	job, err := batch.NewJob("import", importStep,
//	    batch.RequireParameters("inputFlatFile"),
//	)
func RequireParameters(keys ...string) JobOption {
	return func(j *Job) {
		j.required = append(j.required, keys...)
	}
}

// NewJob builds a job that runs root.
func NewJob(name string, root Node, opts ...JobOption) (*Job, error) {
	if name == "" {
		return nil, &ConfigError{Field: "Job.Name", Err: errors.New("is required")}
	}
	if root == nil {
		return nil, &ConfigError{Field: name + ".root", Err: errors.New("is required")}
	}
	j := &Job{name: name, root: root}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// checkParameters reports every missing required parameter.
func (j *Job) checkParameters(params Parameters) error {
	var missing []string
	for _, key := range j.required {
		if params[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	errs := make([]error, 0, len(missing))
	for _, key := range missing {
		errs = append(errs, &ConfigError{Field: "parameter " + key, Err: errors.New("is missing")})
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// A Runner runs jobs and records their executions.
type Runner struct {
	repo   Repository
	logger *slog.Logger
}

// RunnerOption configures a [Runner].
type RunnerOption func(*Runner)

// WithRepository sets where executions are recorded. The default is an
// in-memory repository.
func WithRepository(repo Repository) RunnerOption {
	return func(r *Runner) {
		r.repo = repo
	}
}

// WithLogger sets the logger installed into every job context. The default
// is [slog.Default].
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	if r.repo == nil {
		r.repo = NewMemoryRepository()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Repository returns the repository executions are recorded in.
func (r *Runner) Repository() Repository {
	return r.repo
}

// Run executes job with params and blocks until it reaches a terminal
// status.
//
// Missing required parameters fail the job before any step starts. A fatal
// error anywhere in the flow aborts the whole job: its context is cancelled
// so that running steps stop at their next chunk boundary and no further
// nodes start. Other failures only fail the branch they occur in.
//
// The returned error is the first fatal error, or else the error of the
// failed root node. The execution is returned even when the job fails; it
// is nil only if the execution could not be recorded.
func (r *Runner) Run(ctx context.Context, job *Job, params Parameters) (*JobExecution, error) {
	exec := newJobExecution(job.name, params, r.repo)

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	exec.abort = abort

	logger := r.logger.With("job", job.name, "job_execution_id", exec.ID.String())
	ctx = withJob(WithSlogger(ctx, logger), exec)

	if err := r.repo.CreateJobExecution(ctx, exec.Summary()); err != nil {
		return nil, fmt.Errorf("record job execution: %w", err)
	}

	if err := job.checkParameters(exec.Parameters); err != nil {
		exec.fail(err)
		r.finish(ctx, exec, err)
		return exec, err
	}

	_ = exec.lc.begin(ctx)
	r.save(ctx, exec)
	logger.InfoContext(ctx, "job started", "parameters", len(exec.Parameters))

	root := job.root.Execute(ctx, exec)

	err := exec.fatalErr()
	if err == nil && root.Status() == StatusFailed {
		err = childErr(root)
	}
	r.finish(ctx, exec, err)
	return exec, err
}

func (r *Runner) finish(ctx context.Context, exec *JobExecution, err error) {
	_ = exec.lc.finish(ctx, err)
	r.save(ctx, exec)

	logger := Slogger(ctx)
	attrs := []any{
		"status", exec.Status(),
		"steps", len(exec.Steps()),
		"duration_ms", elapsed(exec.Status(), exec.StartTime(), exec.EndTime()).Milliseconds(),
	}
	switch {
	case IsFatal(err):
		logger.ErrorContext(ctx, "job aborted", append(attrs, "error", err)...)
	case err != nil:
		logger.WarnContext(ctx, "job failed", append(attrs, "error", err)...)
	default:
		logger.InfoContext(ctx, "job finished", attrs...)
	}
}

func (r *Runner) save(ctx context.Context, exec *JobExecution) {
	ctx = context.WithoutCancel(ctx)
	if err := r.repo.UpdateJobExecution(ctx, exec.Summary()); err != nil {
		Slogger(ctx).WarnContext(ctx, "failed to update job execution", "error", err)
	}
}
