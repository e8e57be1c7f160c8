// Package queue implements the bounded priority queue of pending downloads.
//
// Ordering: a new task is inserted before the first entry whose priority is
// strictly lower than its own, so higher priorities dequeue first and equal
// priorities keep submission order. There is no aging; a stream of
// high-priority work can starve low-priority entries indefinitely.
package queue

import (
	"sync"

	"dlm/pkg/task"
)

// Queue is safe for concurrent use.
type Queue struct {
	mu    sync.RWMutex
	items []*task.Task
	max   int
}

// New creates a queue holding at most max entries.
func New(max int) *Queue {
	return &Queue{max: max}
}

// Enqueue inserts t at its priority position. When the queue is full the
// call is a silent no-op; the caller notices the task never leaving queued.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return
	}
	pos := len(q.items)
	for i, item := range q.items {
		if item.Priority < t.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = t
}

// Dequeue removes and returns the highest-priority task, or nil when empty.
func (q *Queue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t
}

// Remove deletes the task with the given id, if present.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Update replaces the queued entry with the same ID as t.
func (q *Queue) Update(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == t.ID {
			q.items[i] = t
			return
		}
	}
}

// Tasks returns the queued tasks in dequeue order.
func (q *Queue) Tasks() []*task.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*task.Task, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Clear removes every entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
