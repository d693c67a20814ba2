// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"sync"
)

// SliceSource is a [Source] over an in-memory slice.
//
// Open rewinds it to the first item, so the same SliceSource can be read
// by several runs of a step.
type SliceSource[T any] struct {
	items []T
	next  int
}

// FromSlice creates a [Source] that returns items in order.
//
// Example:
//
//	step, err := batch.NewStep(cfg, batch.FromSlice(records), transform, sink)
func FromSlice[T any](items []T) *SliceSource[T] {
	return &SliceSource[T]{items: items}
}

// Open rewinds the source.
func (s *SliceSource[T]) Open(context.Context) error {
	s.next = 0
	return nil
}

// Read returns the next item, or [ErrEndOfStream] after the last one.
func (s *SliceSource[T]) Read(context.Context) (T, error) {
	if s.next >= len(s.items) {
		var zero T
		return zero, ErrEndOfStream
	}
	item := s.items[s.next]
	s.next++
	return item, nil
}

// Collector is a [Sink] that keeps every chunk it is given in memory.
//
// It is safe for concurrent use, so it can serve as the sink of a
// multi-threaded step. Chunks are kept in the order their writes completed.
type Collector[T any] struct {
	mu     sync.Mutex
	chunks [][]T
}

// NewCollector creates an empty Collector.
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

// Write records a copy of items as one chunk.
func (c *Collector[T]) Write(_ context.Context, items []T) error {
	chunk := append([]T(nil), items...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

// Chunks returns the recorded chunks.
func (c *Collector[T]) Chunks() [][]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]T(nil), c.chunks...)
}

// Items returns every recorded item, flattened in chunk order.
func (c *Collector[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	var items []T
	for _, chunk := range c.chunks {
		items = append(items, chunk...)
	}
	return items
}

// Len returns the total number of recorded items.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, chunk := range c.chunks {
		n += len(chunk)
	}
	return n
}

// Reset discards everything recorded so far.
func (c *Collector[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = nil
}
