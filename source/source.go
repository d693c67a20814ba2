// SPDX-License-Identifier: Apache-2.0

// Package source provides file-backed record sources for batch steps.
//
// Every source resolves its input location when it is opened, either from a
// fixed path or from a job parameter, so one source definition can be reused
// across runs with different inputs:
//
//	src, err := source.NewCSV(
//	    source.CSVOptions{Parameter: "inputFlatFile"},
//	    transaction.CSVFields()...,
//	)
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sam-fredrickson/batch"
)

// Location says where a file source reads from.
//
// Exactly one of Path and Parameter should be set; Path wins if both are.
type Location struct {
	// Path is a fixed file path.
	Path string `validate:"required_without=Parameter"`

	// Parameter names a job parameter holding the file path.
	Parameter string `validate:"required_without=Path"`
}

// resolve returns the file path for the current run.
func (l Location) resolve(ctx context.Context) (string, error) {
	if l.Path != "" {
		return l.Path, nil
	}
	path := batch.ParametersFrom(ctx)[l.Parameter]
	if path == "" {
		return "", fmt.Errorf("job parameter %q is not set", l.Parameter)
	}
	return path, nil
}

// openFile resolves l and opens the file it names.
func (l Location) openFile(ctx context.Context) (*os.File, error) {
	path, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	batch.Slogger(ctx).DebugContext(ctx, "opened input file", "path", path)
	return f, nil
}

// ErrNoMatches is returned by [Glob] when a pattern matches no files.
var ErrNoMatches = errors.New("pattern matched no files")

// Glob returns the files matching pattern in lexical order.
//
// It is used to partition an input such as "/data/csv/transactions*.csv"
// into one step per file.
func Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("glob %q: %w", pattern, ErrNoMatches)
	}
	sort.Strings(matches)
	return matches, nil
}

// Concat reads every source to exhaustion, one after another.
//
// Open and Close are forwarded to every source that implements them; a
// source is opened only when reading reaches it. A source that fails to open
// is reported as a [batch.ConfigError], which aborts the job.
func Concat[T any](sources ...batch.Source[T]) batch.Source[T] {
	return &concat[T]{sources: sources}
}

type concat[T any] struct {
	sources []batch.Source[T]
	current int
	opened  bool
}

func (c *concat[T]) Open(context.Context) error {
	c.current = 0
	c.opened = false
	return nil
}

func (c *concat[T]) Read(ctx context.Context) (T, error) {
	for c.current < len(c.sources) {
		src := c.sources[c.current]
		if !c.opened {
			if o, ok := src.(batch.Opener); ok {
				if err := o.Open(ctx); err != nil {
					var zero T
					return zero, &batch.ConfigError{Field: fmt.Sprintf("concat.sources[%d]", c.current), Err: err}
				}
			}
			c.opened = true
		}
		item, err := src.Read(ctx)
		if !errors.Is(err, batch.ErrEndOfStream) {
			return item, err
		}
		if err := c.closeCurrent(ctx); err != nil {
			var zero T
			return zero, err
		}
		c.current++
	}
	var zero T
	return zero, batch.ErrEndOfStream
}

func (c *concat[T]) Close(ctx context.Context) error {
	if c.current < len(c.sources) {
		return c.closeCurrent(ctx)
	}
	return nil
}

func (c *concat[T]) closeCurrent(ctx context.Context) error {
	if !c.opened {
		return nil
	}
	c.opened = false
	if cl, ok := c.sources[c.current].(batch.Closer); ok {
		return cl.Close(ctx)
	}
	return nil
}
