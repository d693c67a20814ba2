// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sam-fredrickson/batch"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_executions (
	id          TEXT PRIMARY KEY,
	job_name    TEXT NOT NULL,
	parameters  TEXT NOT NULL,
	status      TEXT NOT NULL,
	start_time  DATETIME,
	end_time    DATETIME,
	error       TEXT NOT NULL DEFAULT '',
	flows       TEXT NOT NULL DEFAULT '[]',
	updated_at  DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS step_executions (
	id               TEXT PRIMARY KEY,
	job_execution_id TEXT NOT NULL REFERENCES job_executions(id),
	seq              INTEGER NOT NULL,
	step_name        TEXT NOT NULL,
	status           TEXT NOT NULL,
	read_count       INTEGER NOT NULL DEFAULT 0,
	write_count      INTEGER NOT NULL DEFAULT 0,
	skip_count       INTEGER NOT NULL DEFAULT 0,
	commit_count     INTEGER NOT NULL DEFAULT 0,
	rollback_count   INTEGER NOT NULL DEFAULT 0,
	start_time       DATETIME,
	end_time         DATETIME,
	error            TEXT NOT NULL DEFAULT '',
	updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS step_executions_job ON step_executions (job_execution_id, seq);
`

// Repository is a [batch.Repository] that stores executions in SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository creates the execution tables if they do not exist.
func NewRepository(ctx context.Context, db *sql.DB) (*Repository, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create execution tables: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) CreateJobExecution(ctx context.Context, job batch.JobSummary) error {
	params, flows, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO job_executions (id, job_name, parameters, status, start_time, end_time, error, flows, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.JobName, params, string(job.Status),
		nullTime(job.StartTime), nullTime(job.EndTime), job.Error, flows, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert job execution %s: %w", job.ID, err)
	}
	return nil
}

func (r *Repository) UpdateJobExecution(ctx context.Context, job batch.JobSummary) error {
	_, flows, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE job_executions SET status = ?, start_time = ?, end_time = ?, error = ?, flows = ?, updated_at = ?
		 WHERE id = ?`,
		string(job.Status), nullTime(job.StartTime), nullTime(job.EndTime), job.Error, flows, time.Now().UTC(),
		job.ID.String())
	if err != nil {
		return fmt.Errorf("update job execution %s: %w", job.ID, err)
	}
	return requireRow(res, "job execution", job.ID)
}

func (r *Repository) CreateStepExecution(ctx context.Context, step batch.StepSummary) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO step_executions (id, job_execution_id, seq, step_name, status, read_count, write_count,
		     skip_count, commit_count, rollback_count, start_time, end_time, error, updated_at)
		 VALUES (?, ?, (SELECT COUNT(*) FROM step_executions WHERE job_execution_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID.String(), step.JobExecutionID.String(), step.JobExecutionID.String(), step.StepName, string(step.Status),
		step.ReadCount, step.WriteCount, step.SkipCount, step.CommitCount, step.RollbackCount,
		nullTime(step.StartTime), nullTime(step.EndTime), step.Error, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert step execution %s: %w", step.ID, err)
	}
	return nil
}

func (r *Repository) UpdateStepExecution(ctx context.Context, step batch.StepSummary) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, read_count = ?, write_count = ?, skip_count = ?, commit_count = ?,
		     rollback_count = ?, start_time = ?, end_time = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		string(step.Status), step.ReadCount, step.WriteCount, step.SkipCount, step.CommitCount,
		step.RollbackCount, nullTime(step.StartTime), nullTime(step.EndTime), step.Error, time.Now().UTC(),
		step.ID.String())
	if err != nil {
		return fmt.Errorf("update step execution %s: %w", step.ID, err)
	}
	return requireRow(res, "step execution", step.ID)
}

func (r *Repository) GetJobExecution(ctx context.Context, id uuid.UUID) (batch.JobSummary, error) {
	var (
		job                batch.JobSummary
		status             string
		params, flows      string
		startTime, endTime sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT job_name, parameters, status, start_time, end_time, error, flows FROM job_executions WHERE id = ?`,
		id.String()).
		Scan(&job.JobName, &params, &status, &startTime, &endTime, &job.Error, &flows)
	if errors.Is(err, sql.ErrNoRows) {
		return batch.JobSummary{}, fmt.Errorf("job execution %s: %w", id, batch.ErrNotFound)
	}
	if err != nil {
		return batch.JobSummary{}, fmt.Errorf("query job execution %s: %w", id, err)
	}
	job.ID = id
	job.Status = batch.Status(status)
	job.StartTime = startTime.Time
	job.EndTime = endTime.Time
	if err := json.Unmarshal([]byte(params), &job.Parameters); err != nil {
		return batch.JobSummary{}, fmt.Errorf("decode parameters of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(flows), &job.Flows); err != nil {
		return batch.JobSummary{}, fmt.Errorf("decode flows of %s: %w", id, err)
	}

	job.Steps, err = r.listSteps(ctx, id)
	if err != nil {
		return batch.JobSummary{}, err
	}
	return job, nil
}

func (r *Repository) ListStepExecutions(ctx context.Context, jobID uuid.UUID) ([]batch.StepSummary, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_executions WHERE id = ?`, jobID.String()).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query job execution %s: %w", jobID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("job execution %s: %w", jobID, batch.ErrNotFound)
	}
	return r.listSteps(ctx, jobID)
}

func (r *Repository) listSteps(ctx context.Context, jobID uuid.UUID) ([]batch.StepSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, step_name, status, read_count, write_count, skip_count, commit_count, rollback_count,
		     start_time, end_time, error
		 FROM step_executions WHERE job_execution_id = ? ORDER BY seq`,
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("query step executions of %s: %w", jobID, err)
	}
	defer rows.Close()

	var steps []batch.StepSummary
	for rows.Next() {
		var (
			step               batch.StepSummary
			id, status         string
			startTime, endTime sql.NullTime
		)
		err := rows.Scan(&id, &step.StepName, &status, &step.ReadCount, &step.WriteCount, &step.SkipCount,
			&step.CommitCount, &step.RollbackCount, &startTime, &endTime, &step.Error)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		if step.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		step.JobExecutionID = jobID
		step.Status = batch.Status(status)
		step.StartTime = startTime.Time
		step.EndTime = endTime.Time
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func encodeJob(job batch.JobSummary) (params, flows string, err error) {
	p, err := json.Marshal(job.Parameters)
	if err != nil {
		return "", "", fmt.Errorf("encode parameters: %w", err)
	}
	f := []byte("[]")
	if len(job.Flows) > 0 {
		if f, err = json.Marshal(job.Flows); err != nil {
			return "", "", fmt.Errorf("encode flows: %w", err)
		}
	}
	return string(p), string(f), nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireRow(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, batch.ErrNotFound)
	}
	return nil
}
