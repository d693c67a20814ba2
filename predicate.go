// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
)

// A Predicate is a failable condition over the running job.
//
// It returns true or false to indicate whether the condition is met, and
// may return an error if the check itself fails.
type Predicate = func(context.Context, *JobExecution) (bool, error)

// A Decider chooses the node to run next based on the state of the job.
//
// Returning a nil Node ends the decision successfully without running
// anything.
type Decider = func(context.Context, *JobExecution) (Node, error)

// Decide runs the node chosen by decider.
//
// The decision fails if decider returns an error or if the chosen node
// fails.
//
// Example:
//
//	batch.Sequence("import",
//	    loadStep,
//	    batch.Decide("cleanup", func(ctx context.Context, job *batch.JobExecution) (batch.Node, error) {
//	        if job.Step("load").SkipCount() > 0 {
//	            return quarantineStep, nil
//	        }
//	        return archiveStep, nil
//	    }),
//	)
func Decide(name string, decider Decider) Node {
	return &decision{name: name, decider: decider}
}

type decision struct {
	name    string
	decider Decider
}

func (d *decision) Name() string { return d.name }

func (d *decision) Execute(ctx context.Context, job *JobExecution) *FlowExecution {
	flow := job.startFlow(d.name)
	_ = flow.lc.begin(ctx)
	next, err := d.decider(ctx, job)
	if err == nil && next != nil {
		Slogger(ctx).DebugContext(ctx, "decision made", "decision", d.name, "next", next.Name())
		if child := next.Execute(ctx, job); child.Status() == StatusFailed {
			err = childErr(child)
		}
	}
	_ = flow.lc.finish(ctx, err)
	return flow
}

// When runs node only if predicate returns true.
//
// If the predicate returns false, the node is skipped and the decision
// completes. If the predicate returns an error, the decision fails.
func When(predicate Predicate, node Node) Node {
	return Decide("when "+node.Name(), func(ctx context.Context, job *JobExecution) (Node, error) {
		ok, err := predicate(ctx, job)
		if err != nil || !ok {
			return nil, err
		}
		return node, nil
	})
}

// Unless runs node only if predicate returns false.
func Unless(predicate Predicate, node Node) Node {
	return Decide("unless "+node.Name(), func(ctx context.Context, job *JobExecution) (Node, error) {
		ok, err := predicate(ctx, job)
		if err != nil || ok {
			return nil, err
		}
		return node, nil
	})
}

// StepStatusIs reports whether the most recent execution of the named step
// has the given status. A step that has not run is NOT_STARTED.
//
// Example:
//
//	batch.When(batch.StepStatusIs("load", batch.StatusCompleted), publishStep)
func StepStatusIs(stepName string, status Status) Predicate {
	return func(_ context.Context, job *JobExecution) (bool, error) {
		step := job.Step(stepName)
		if step == nil {
			return status == StatusNotStarted, nil
		}
		return step.Status() == status, nil
	}
}

// HasParameter reports whether the job was started with the named
// parameter set to a non-empty value.
func HasParameter(key string) Predicate {
	return func(_ context.Context, job *JobExecution) (bool, error) {
		return job.Parameters[key] != "", nil
	}
}

// Not negates a predicate, returning true when the predicate returns false
// and vice versa.
func Not(predicate Predicate) Predicate {
	return func(ctx context.Context, job *JobExecution) (bool, error) {
		ok, err := predicate(ctx, job)
		return !ok, err
	}
}

// And combines multiple predicates with logical AND.
//
// All predicates must return true for the result to be true. Evaluation
// short-circuits on the first false or error.
func And(predicates ...Predicate) Predicate {
	return func(ctx context.Context, job *JobExecution) (bool, error) {
		for _, p := range predicates {
			ok, err := p(ctx, job)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Or combines multiple predicates with logical OR.
//
// At least one predicate must return true for the result to be true.
// Evaluation short-circuits on the first true or error.
func Or(predicates ...Predicate) Predicate {
	return func(ctx context.Context, job *JobExecution) (bool, error) {
		for _, p := range predicates {
			ok, err := p(ctx, job)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}
