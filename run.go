// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// A Node is a unit of a job's flow: a [Step], or a composition of nodes.
//
// Execute runs the node to completion and returns its execution record.
// Failures are reported through the returned [FlowExecution], never by
// panicking.
type Node interface {
	Name() string
	Execute(ctx context.Context, job *JobExecution) *FlowExecution
}

// childErr returns the error of a failed child execution.
func childErr(child *FlowExecution) error {
	if err := child.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%s failed", child.Name)
}

// Sequence runs nodes in order, one at a time.
//
// The first node that fails stops the sequence; later nodes do not run and
// the sequence fails with that node's error.
//
// Example:
//
//	batch.Sequence("nightly",
//	    importStep,
//	    reconcileStep,
//	    reportStep,
//	)
func Sequence(name string, nodes ...Node) Node {
	return &sequence{name: name, nodes: nodes}
}

type sequence struct {
	name  string
	nodes []Node
}

func (s *sequence) Name() string { return s.name }

func (s *sequence) Execute(ctx context.Context, job *JobExecution) *FlowExecution {
	flow := job.startFlow(s.name)
	_ = flow.lc.begin(ctx)
	var err error
	for _, node := range s.nodes {
		child := node.Execute(ctx, job)
		if child.Status() == StatusFailed {
			err = childErr(child)
			break
		}
	}
	_ = flow.lc.finish(ctx, err)
	return flow
}

// ParallelOptions specifies how the branches of a split are run.
type ParallelOptions struct {
	// Limit controls how many branches may run at once.
	//
	// Numbers less than or equal to zero indicate no limit.
	Limit int
}

// Split runs nodes concurrently and waits for all of them.
//
// Split is the same as [SplitWith] with the default [ParallelOptions].
func Split(name string, nodes ...Node) Node {
	return SplitWith(name, ParallelOptions{}, nodes...)
}

// SplitWith runs nodes concurrently and waits for all of them, with custom
// options.
//
// A failed branch does not cancel its siblings: every branch runs to its own
// completion, and the split then fails with the errors of all failed
// branches combined by [errors.Join]. Only a fatal error, such as a
// [ConfigError], stops the other branches, and then only at their next chunk
// boundary.
//
// Example:
//
//	// load both exports at once, at most two readers at a time
//	batch.SplitWith("load", batch.ParallelOptions{Limit: 2},
//	    xmlStep,
//	    csvStep,
//	)
func SplitWith(name string, opts ParallelOptions, nodes ...Node) Node {
	return &split{name: name, opts: opts, nodes: nodes}
}

type split struct {
	name  string
	opts  ParallelOptions
	nodes []Node
}

func (s *split) Name() string { return s.name }

func (s *split) Execute(ctx context.Context, job *JobExecution) *FlowExecution {
	flow := job.startFlow(s.name)
	_ = flow.lc.begin(ctx)

	// a plain group, so one branch's failure never cancels the others
	var group errgroup.Group
	if s.opts.Limit > 0 {
		group.SetLimit(s.opts.Limit)
	}
	children := make([]*FlowExecution, len(s.nodes))
	for i, node := range s.nodes {
		group.Go(func() error {
			children[i] = node.Execute(ctx, job)
			return nil
		})
	}
	_ = group.Wait()

	var errs []error
	for _, child := range children {
		if child.Status() == StatusFailed {
			errs = append(errs, childErr(child))
		}
	}
	_ = flow.lc.finish(ctx, errors.Join(errs...))
	return flow
}
