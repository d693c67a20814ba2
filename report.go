// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// WriteJSON serializes the execution summary as pretty-printed JSON.
//
// Returns the number of bytes written and any error.
func (j *JobExecution) WriteJSON(w io.Writer) (int64, error) {
	data, err := json.MarshalIndent(j.Summary(), "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job execution: %w", err)
	}
	data = append(data, '\n')

	n, err := w.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write job execution: %w", err)
	}
	return int64(n), nil
}

// WriteText outputs a human-readable report of the execution.
//
// Example output:
//
//	job import [COMPLETED] (1.2s)
//	  step xml-step [COMPLETED] read=500 written=500 skipped=0 commits=10 rollbacks=0 (840ms)
//	  step csv-step [COMPLETED] read=500 written=500 skipped=0 commits=10 rollbacks=0 (1.1s)
//	  flow parallel [COMPLETED] (1.1s)
//
// Steps and flows are listed in the order they started; failed entries end
// with their error.
func (j *JobExecution) WriteText(w io.Writer) (int64, error) {
	summary := j.Summary()
	var total int64
	write := func(line string, errMsg string) error {
		if errMsg != "" {
			line += fmt.Sprintf(" [ERROR: %s]", errMsg)
		}
		n, err := io.WriteString(w, line+"\n")
		total += int64(n)
		if err != nil {
			return fmt.Errorf("failed to write text: %w", err)
		}
		return nil
	}

	err := write(fmt.Sprintf("job %s [%s] (%s)",
		summary.JobName, summary.Status, elapsed(summary.Status, summary.StartTime, summary.EndTime)), summary.Error)
	if err != nil {
		return total, err
	}
	for _, s := range summary.Steps {
		line := fmt.Sprintf("  step %s [%s] read=%d written=%d skipped=%d commits=%d rollbacks=%d (%s)",
			s.StepName, s.Status, s.ReadCount, s.WriteCount, s.SkipCount, s.CommitCount, s.RollbackCount,
			elapsed(s.Status, s.StartTime, s.EndTime))
		if err := write(line, s.Error); err != nil {
			return total, err
		}
	}
	for _, f := range summary.Flows {
		line := fmt.Sprintf("  flow %s [%s] (%s)", f.Name, f.Status, elapsed(f.Status, f.StartTime, f.EndTime))
		if err := write(line, f.Error); err != nil {
			return total, err
		}
	}
	return total, nil
}

// elapsed is how long an execution has run: up to now while it is still
// running, and zero if it never started.
func elapsed(status Status, start, end time.Time) time.Duration {
	switch {
	case start.IsZero():
		return 0
	case !status.Done():
		return time.Since(start).Round(time.Millisecond)
	}
	return end.Sub(start).Round(time.Millisecond)
}
