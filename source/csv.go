// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sam-fredrickson/batch"
)

// A Field maps one CSV column onto a record.
type Field[T any] struct {
	Name string
	Set  func(record *T, value string) error
}

// CSVOptions configures a [CSV] source.
type CSVOptions struct {
	Location

	// Comma is the field delimiter. The default is ','.
	Comma rune

	// SkipHeader discards the first line of the file.
	SkipHeader bool
}

// ParseError reports a malformed CSV line.
type ParseError struct {
	Line  int
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d: field %s: %v", e.Line, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// CSV reads delimited records with an explicit column schema.
//
// Every line must have exactly one value per field, in field order. A line
// that does not parse is reported as a [ParseError].
type CSV[T any] struct {
	opts   CSVOptions
	fields []Field[T]

	file   *os.File
	reader *csv.Reader
	line   int
}

// NewCSV creates a CSV source with the given columns.
func NewCSV[T any](opts CSVOptions, fields ...Field[T]) (*CSV[T], error) {
	if err := batch.Validate(opts); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &batch.ConfigError{Field: "CSV.fields", Err: errors.New("at least one field is required")}
	}
	for i, f := range fields {
		if f.Name == "" || f.Set == nil {
			return nil, &batch.ConfigError{Field: fmt.Sprintf("CSV.fields[%d]", i), Err: errors.New("needs a name and a setter")}
		}
	}
	return &CSV[T]{opts: opts, fields: fields}, nil
}

// Open opens the file for the current run and positions the reader at the
// first record.
func (c *CSV[T]) Open(ctx context.Context) error {
	if c.file != nil {
		_ = c.file.Close()
	}
	f, err := c.opts.openFile(ctx)
	if err != nil {
		return err
	}
	c.file = f
	c.reader = csv.NewReader(f)
	if c.opts.Comma != 0 {
		c.reader.Comma = c.opts.Comma
	}
	c.reader.FieldsPerRecord = len(c.fields)
	c.reader.ReuseRecord = true
	c.line = 0

	if c.opts.SkipHeader {
		c.reader.FieldsPerRecord = -1
		if _, err := c.reader.Read(); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read header: %w", err)
		}
		c.line++
		c.reader.FieldsPerRecord = len(c.fields)
	}
	return nil
}

// Read parses the next line.
func (c *CSV[T]) Read(context.Context) (T, error) {
	var record T
	if c.reader == nil {
		return record, errors.New("csv source is not open")
	}
	values, err := c.reader.Read()
	if errors.Is(err, io.EOF) {
		return record, batch.ErrEndOfStream
	}
	c.line++
	if err != nil {
		return record, &ParseError{Line: c.line, Err: err}
	}
	for i, f := range c.fields {
		if err := f.Set(&record, values[i]); err != nil {
			return record, &ParseError{Line: c.line, Field: f.Name, Err: err}
		}
	}
	return record, nil
}

// Close closes the file.
func (c *CSV[T]) Close(context.Context) error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file, c.reader = nil, nil
	return err
}
