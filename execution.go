// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Status is the lifecycle state of a job, flow, or step execution.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Done reports whether s is a terminal status.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	eventStart    = "start"
	eventComplete = "complete"
	eventFail     = "fail"
)

// lifecycle tracks the status of one execution and the times at which it
// started and ended.
//
// Transitions are validated by a state machine:
//
//	NOT_STARTED --start--> RUNNING --complete--> COMPLETED
//	NOT_STARTED --fail---> FAILED
//	RUNNING     --fail---> FAILED
type lifecycle struct {
	mu      sync.Mutex
	machine *fsm.FSM
	start   time.Time
	end     time.Time
	err     error
}

func newLifecycle() *lifecycle {
	l := &lifecycle{}
	// callbacks run inside transition, which already holds l.mu
	l.machine = fsm.NewFSM(
		string(StatusNotStarted),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StatusNotStarted)}, Dst: string(StatusRunning)},
			{Name: eventComplete, Src: []string{string(StatusRunning)}, Dst: string(StatusCompleted)},
			{Name: eventFail, Src: []string{string(StatusNotStarted), string(StatusRunning)}, Dst: string(StatusFailed)},
		},
		fsm.Callbacks{
			"enter_" + string(StatusRunning): func(_ context.Context, _ *fsm.Event) {
				l.start = time.Now()
			},
			"enter_" + string(StatusCompleted): func(_ context.Context, _ *fsm.Event) {
				l.end = time.Now()
			},
			// an execution that fails before starting keeps a zero start time
			"enter_" + string(StatusFailed): func(_ context.Context, _ *fsm.Event) {
				l.end = time.Now()
			},
		},
	)
	return l
}

func (l *lifecycle) transition(ctx context.Context, event string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	// a cancelled job still has to record its final status
	return l.machine.Event(context.WithoutCancel(ctx), event)
}

func (l *lifecycle) begin(ctx context.Context) error {
	return l.transition(ctx, eventStart)
}

// finish moves the execution to COMPLETED when err is nil, or to FAILED
// otherwise, recording err.
func (l *lifecycle) finish(ctx context.Context, err error) error {
	if err != nil {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		return l.transition(ctx, eventFail)
	}
	return l.transition(ctx, eventComplete)
}

func (l *lifecycle) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status(l.machine.Current())
}

func (l *lifecycle) times() (time.Time, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.start, l.end
}

func (l *lifecycle) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Contribution accumulates the item counts of a single chunk.
//
// The engine places the current chunk's Contribution in the context passed
// to [Sink.Write]. Wrapping sinks that drop items (such as [AsyncSink]) call
// [Contribution.Skip] so the step's counts stay accurate.
type Contribution struct {
	mu      sync.Mutex
	written int64
	skipped int64
}

// Skip records that n items handed to the sink were filtered rather than
// written.
func (c *Contribution) Skip(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written -= int64(n)
	c.skipped += int64(n)
}

func (c *Contribution) counts() (written, skipped int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written, c.skipped
}

// StepExecution records one run of a step.
//
// It is written only by the engine running the step and is safe to read at
// any time; values are final once [StepExecution.Status] is terminal.
type StepExecution struct {
	ID             uuid.UUID
	JobExecutionID uuid.UUID
	StepName       string

	lc *lifecycle

	mu            sync.Mutex
	readCount     int64
	writeCount    int64
	skipCount     int64
	commitCount   int64
	rollbackCount int64
}

func newStepExecution(jobID uuid.UUID, name string) *StepExecution {
	return &StepExecution{
		ID:             uuid.New(),
		JobExecutionID: jobID,
		StepName:       name,
		lc:             newLifecycle(),
	}
}

// Status returns the current status of the step.
func (s *StepExecution) Status() Status { return s.lc.status() }

// StartTime returns when the step started running.
func (s *StepExecution) StartTime() time.Time {
	start, _ := s.lc.times()
	return start
}

// EndTime returns when the step completed or failed.
func (s *StepExecution) EndTime() time.Time {
	_, end := s.lc.times()
	return end
}

// Err returns the first error encountered by the step, if any.
func (s *StepExecution) Err() error { return s.lc.failure() }

// ReadCount returns the number of records read from the source.
func (s *StepExecution) ReadCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCount
}

// WriteCount returns the number of records written in committed chunks.
func (s *StepExecution) WriteCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCount
}

// SkipCount returns the number of records filtered with [ErrSkip].
func (s *StepExecution) SkipCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipCount
}

// CommitCount returns the number of chunks that were written successfully.
func (s *StepExecution) CommitCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitCount
}

// RollbackCount returns the number of chunk attempts that failed.
func (s *StepExecution) RollbackCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackCount
}

func (s *StepExecution) addRead(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCount += int64(n)
}

func (s *StepExecution) commit(c *Contribution) {
	written, skipped := c.counts()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCount += written
	s.skipCount += skipped
	s.commitCount++
}

func (s *StepExecution) rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackCount++
}

// Summary returns a point-in-time copy of the execution.
func (s *StepExecution) Summary() StepSummary {
	start, end := s.lc.times()
	summary := StepSummary{
		ID:             s.ID,
		JobExecutionID: s.JobExecutionID,
		StepName:       s.StepName,
		Status:         s.lc.status(),
		StartTime:      start,
		EndTime:        end,
	}
	if err := s.lc.failure(); err != nil {
		summary.Error = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	summary.ReadCount = s.readCount
	summary.WriteCount = s.writeCount
	summary.SkipCount = s.skipCount
	summary.CommitCount = s.commitCount
	summary.RollbackCount = s.rollbackCount
	return summary
}

// StepSummary is an immutable snapshot of a [StepExecution].
type StepSummary struct {
	ID             uuid.UUID `json:"id"`
	JobExecutionID uuid.UUID `json:"job_execution_id"`
	StepName       string    `json:"step_name"`
	Status         Status    `json:"status"`
	ReadCount      int64     `json:"read_count"`
	WriteCount     int64     `json:"write_count"`
	SkipCount      int64     `json:"skip_count"`
	CommitCount    int64     `json:"commit_count"`
	RollbackCount  int64     `json:"rollback_count"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Error          string    `json:"error,omitempty"`
}

// FlowExecution records one run of a [Node].
type FlowExecution struct {
	Name string

	lc *lifecycle
}

func newFlowExecution(name string) *FlowExecution {
	return &FlowExecution{Name: name, lc: newLifecycle()}
}

// Status returns the current status of the node.
func (f *FlowExecution) Status() Status { return f.lc.status() }

// StartTime returns when the node started running.
func (f *FlowExecution) StartTime() time.Time {
	start, _ := f.lc.times()
	return start
}

// EndTime returns when the node completed or failed.
func (f *FlowExecution) EndTime() time.Time {
	_, end := f.lc.times()
	return end
}

// Err returns the error that failed the node, if any.
func (f *FlowExecution) Err() error { return f.lc.failure() }

// Summary returns a point-in-time copy of the execution.
func (f *FlowExecution) Summary() FlowSummary {
	start, end := f.lc.times()
	summary := FlowSummary{
		Name:      f.Name,
		Status:    f.lc.status(),
		StartTime: start,
		EndTime:   end,
	}
	if err := f.lc.failure(); err != nil {
		summary.Error = err.Error()
	}
	return summary
}

// FlowSummary is an immutable snapshot of a [FlowExecution].
type FlowSummary struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Error     string    `json:"error,omitempty"`
}

// Parameters are the immutable inputs of a job run, such as the locations
// of input files.
type Parameters map[string]string

// JobExecution records one run of a [Job].
//
// It aggregates the executions of every step and flow node that ran.
type JobExecution struct {
	ID         uuid.UUID
	JobName    string
	Parameters Parameters

	lc   *lifecycle
	repo Repository

	mu    sync.Mutex
	steps []*StepExecution
	flows []*FlowExecution
	fatal error
	abort context.CancelCauseFunc
}

func newJobExecution(name string, params Parameters, repo Repository) *JobExecution {
	copied := make(Parameters, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return &JobExecution{
		ID:         uuid.New(),
		JobName:    name,
		Parameters: copied,
		lc:         newLifecycle(),
		repo:       repo,
	}
}

// Status returns the current status of the job.
func (j *JobExecution) Status() Status { return j.lc.status() }

// StartTime returns when the job started running.
func (j *JobExecution) StartTime() time.Time {
	start, _ := j.lc.times()
	return start
}

// EndTime returns when the job completed or failed.
func (j *JobExecution) EndTime() time.Time {
	_, end := j.lc.times()
	return end
}

// Err returns the error that failed the job, if any.
func (j *JobExecution) Err() error { return j.lc.failure() }

// Steps returns the step executions in the order they started.
func (j *JobExecution) Steps() []*StepExecution {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*StepExecution{}, j.steps...)
}

// Step returns the most recent execution of the named step, or nil.
func (j *JobExecution) Step(name string) *StepExecution {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.steps) - 1; i >= 0; i-- {
		if j.steps[i].StepName == name {
			return j.steps[i]
		}
	}
	return nil
}

// Flows returns the flow node executions in the order they started.
func (j *JobExecution) Flows() []*FlowExecution {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*FlowExecution{}, j.flows...)
}

// Flow returns the most recent execution of the named flow node, or nil.
func (j *JobExecution) Flow(name string) *FlowExecution {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.flows) - 1; i >= 0; i-- {
		if j.flows[i].Name == name {
			return j.flows[i]
		}
	}
	return nil
}

// Aborted reports whether a fatal error has stopped the job.
func (j *JobExecution) Aborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fatal != nil
}

func (j *JobExecution) fatalErr() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fatal
}

// fail records a fatal error and cancels the job context. Only the first
// fatal error is kept.
func (j *JobExecution) fail(err error) {
	j.mu.Lock()
	if j.fatal != nil {
		j.mu.Unlock()
		return
	}
	j.fatal = err
	abort := j.abort
	j.mu.Unlock()
	if abort != nil {
		abort(err)
	}
}

func (j *JobExecution) startStep(ctx context.Context, name string) *StepExecution {
	s := newStepExecution(j.ID, name)
	j.mu.Lock()
	j.steps = append(j.steps, s)
	j.mu.Unlock()
	if j.repo != nil {
		if err := j.repo.CreateStepExecution(context.WithoutCancel(ctx), s.Summary()); err != nil {
			Slogger(ctx).WarnContext(ctx, "failed to save step execution", "step", name, "error", err)
		}
	}
	return s
}

func (j *JobExecution) saveStep(ctx context.Context, s *StepExecution) {
	if j.repo == nil {
		return
	}
	if err := j.repo.UpdateStepExecution(context.WithoutCancel(ctx), s.Summary()); err != nil {
		Slogger(ctx).WarnContext(ctx, "failed to update step execution", "step", s.StepName, "error", err)
	}
}

func (j *JobExecution) startFlow(name string) *FlowExecution {
	f := newFlowExecution(name)
	j.mu.Lock()
	j.flows = append(j.flows, f)
	j.mu.Unlock()
	return f
}

// Summary returns a point-in-time copy of the execution, including every
// step and flow node.
func (j *JobExecution) Summary() JobSummary {
	start, end := j.lc.times()
	summary := JobSummary{
		ID:         j.ID,
		JobName:    j.JobName,
		Parameters: maps.Clone(j.Parameters),
		Status:     j.lc.status(),
		StartTime:  start,
		EndTime:    end,
	}
	if err := j.lc.failure(); err != nil {
		summary.Error = err.Error()
	}
	for _, s := range j.Steps() {
		summary.Steps = append(summary.Steps, s.Summary())
	}
	for _, f := range j.Flows() {
		summary.Flows = append(summary.Flows, f.Summary())
	}
	return summary
}

// JobSummary is an immutable snapshot of a [JobExecution].
type JobSummary struct {
	ID         uuid.UUID     `json:"id"`
	JobName    string        `json:"job_name"`
	Parameters Parameters    `json:"parameters,omitempty"`
	Status     Status        `json:"status"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Error      string        `json:"error,omitempty"`
	Steps      []StepSummary `json:"steps,omitempty"`
	Flows      []FlowSummary `json:"flows,omitempty"`
}
