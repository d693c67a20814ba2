// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sam-fredrickson/batch"
)

// XMLOptions configures an [XML] source.
type XMLOptions struct {
	Location

	// Element is the local name of the fragment root, such as "transaction".
	Element string `validate:"required"`
}

// XML streams records out of a document, one fragment at a time.
//
// Every element named by [XMLOptions.Element] is decoded into a record,
// wherever it appears in the document. The document is never held in memory
// as a whole.
type XML[T any] struct {
	opts XMLOptions

	file    *os.File
	decoder *xml.Decoder
}

// NewXML creates an XML fragment source.
func NewXML[T any](opts XMLOptions) (*XML[T], error) {
	if err := batch.Validate(opts); err != nil {
		return nil, err
	}
	return &XML[T]{opts: opts}, nil
}

// Open opens the document for the current run.
func (x *XML[T]) Open(ctx context.Context) error {
	if x.file != nil {
		_ = x.file.Close()
	}
	f, err := x.opts.openFile(ctx)
	if err != nil {
		return err
	}
	x.file = f
	x.decoder = xml.NewDecoder(f)
	return nil
}

// Read decodes the next fragment.
func (x *XML[T]) Read(context.Context) (T, error) {
	var record T
	if x.decoder == nil {
		return record, errors.New("xml source is not open")
	}
	for {
		tok, err := x.decoder.Token()
		if errors.Is(err, io.EOF) {
			return record, batch.ErrEndOfStream
		}
		if err != nil {
			return record, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != x.opts.Element {
			continue
		}
		if err := x.decoder.DecodeElement(&record, &start); err != nil {
			line, _ := x.decoder.InputPos()
			return record, fmt.Errorf("line %d: %s: %w", line, x.opts.Element, err)
		}
		return record, nil
	}
}

// Close closes the document.
func (x *XML[T]) Close(context.Context) error {
	if x.file == nil {
		return nil
	}
	err := x.file.Close()
	x.file, x.decoder = nil, nil
	return err
}
