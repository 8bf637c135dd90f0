// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import "sync"

// Queue is the hand-off point between a worker's background
// goroutines and its single-threaded main loop: producers Push from
// anywhere, the loop Drains during OnLoop. FIFO order is preserved.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends one item. Safe for concurrent use.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Drain removes and returns all queued items in arrival order.
// Returns nil when the queue is empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
