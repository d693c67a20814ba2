// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned by a [Repository] for an unknown execution ID.
var ErrNotFound = errors.New("execution not found")

// A Repository records job and step executions for reporting.
//
// The runner creates each execution when it starts and updates it when its
// status changes. Implementations must be safe for concurrent use, since
// parallel branches record their steps at the same time.
type Repository interface {
	CreateJobExecution(ctx context.Context, job JobSummary) error
	UpdateJobExecution(ctx context.Context, job JobSummary) error
	CreateStepExecution(ctx context.Context, step StepSummary) error
	UpdateStepExecution(ctx context.Context, step StepSummary) error

	// GetJobExecution returns the job with its steps in start order.
	GetJobExecution(ctx context.Context, id uuid.UUID) (JobSummary, error)
	ListStepExecutions(ctx context.Context, jobID uuid.UUID) ([]StepSummary, error)
}

// MemoryRepository is a [Repository] that keeps executions in memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]JobSummary
	steps map[uuid.UUID][]StepSummary
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:  make(map[uuid.UUID]JobSummary),
		steps: make(map[uuid.UUID][]StepSummary),
	}
}

func (r *MemoryRepository) CreateJobExecution(_ context.Context, job JobSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job execution %s already exists", job.ID)
	}
	r.jobs[job.ID] = stripJob(job)
	return nil
}

func (r *MemoryRepository) UpdateJobExecution(_ context.Context, job JobSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return fmt.Errorf("job execution %s: %w", job.ID, ErrNotFound)
	}
	r.jobs[job.ID] = stripJob(job)
	return nil
}

func (r *MemoryRepository) CreateStepExecution(_ context.Context, step StepSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[step.JobExecutionID]; !ok {
		return fmt.Errorf("job execution %s: %w", step.JobExecutionID, ErrNotFound)
	}
	r.steps[step.JobExecutionID] = append(r.steps[step.JobExecutionID], step)
	return nil
}

func (r *MemoryRepository) UpdateStepExecution(_ context.Context, step StepSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.steps[step.JobExecutionID]
	for i := range steps {
		if steps[i].ID == step.ID {
			steps[i] = step
			return nil
		}
	}
	return fmt.Errorf("step execution %s: %w", step.ID, ErrNotFound)
}

func (r *MemoryRepository) GetJobExecution(_ context.Context, id uuid.UUID) (JobSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return JobSummary{}, fmt.Errorf("job execution %s: %w", id, ErrNotFound)
	}
	job.Steps = append([]StepSummary(nil), r.steps[id]...)
	return job, nil
}

func (r *MemoryRepository) ListStepExecutions(_ context.Context, jobID uuid.UUID) ([]StepSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.jobs[jobID]; !ok {
		return nil, fmt.Errorf("job execution %s: %w", jobID, ErrNotFound)
	}
	return append([]StepSummary(nil), r.steps[jobID]...), nil
}

// stripJob drops the step summaries, which are stored separately.
func stripJob(job JobSummary) JobSummary {
	job.Steps = nil
	return job
}
