// Package events broadcasts download lifecycle events and maintains the
// live snapshot of all known tasks.
package events

import (
	"sort"
	"sync"
	"time"

	"dlm/pkg/task"
)

// Kind discriminates the event payload.
type Kind string

const (
	KindProgress     Kind = "progress"
	KindStateChange  Kind = "state_change"
	KindError        Kind = "error"
	KindQueueUpdated Kind = "queue_updated"
)

// Event is one domain event. TaskID is empty for queue-updated events.
type Event struct {
	Kind     Kind
	TaskID   string
	Progress float64
	Speed    int64
	State    task.State
	Message  string
	Tasks    []*task.Task
	At       time.Time
}

func Progress(id string, fraction float64, speed int64) Event {
	return Event{Kind: KindProgress, TaskID: id, Progress: fraction, Speed: speed, At: time.Now()}
}

func StateChange(id string, s task.State) Event {
	return Event{Kind: KindStateChange, TaskID: id, State: s, At: time.Now()}
}

func Error(id, message string) Event {
	return Event{Kind: KindError, TaskID: id, Message: message, At: time.Now()}
}

func QueueUpdated(tasks []*task.Task) Event {
	return Event{Kind: KindQueueUpdated, Tasks: tasks, At: time.Now()}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	taskID string // non-empty: only events for this task
	closed bool
}

// send never blocks: when the buffer is full the oldest buffered events
// are shed so the newest always get through. Publishers must not stall
// on a subscriber that is itself waiting on the publisher's lock.
func (s *subscriber) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Hub fans events out to subscribers and keeps the authoritative
// in-memory view of every known task.
//
// Publish delivers to every current subscriber in emission order and
// never blocks: a subscriber that does not drain its channel loses its
// oldest buffered events first. There is no replay: a new subscriber
// sees only events published after Subscribe returns.
type Hub struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	order    []int
	nextID   int
	snapshot map[string]*task.Task
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[int]*subscriber),
		snapshot: make(map[string]*task.Task),
	}
}

// Subscribe registers for all events. The returned cancel function closes
// the channel and must be called exactly once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	return h.subscribe("", buffer)
}

// SubscribeTask registers for events about a single task id.
func (h *Hub) SubscribeTask(id string, buffer int) (<-chan Event, func()) {
	return h.subscribe(id, buffer)
}

func (h *Hub) subscribe(taskID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{ch: make(chan Event, buffer), taskID: taskID}
	h.subs[id] = sub
	h.order = append(h.order, id)

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			for i, n := range h.order {
				if n == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber. Delivery happens
// outside the hub lock, so a slow subscriber never holds up snapshot
// readers or other hub calls.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.order))
	for _, id := range h.order {
		subs = append(subs, h.subs[id])
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		if sub.taskID != "" && sub.taskID != ev.TaskID {
			continue
		}
		sub.send(ev)
	}
}

// SetTask stores a copy of t in the live snapshot.
func (h *Hub) SetTask(t *task.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot[t.ID] = t.Clone()
}

// RemoveTask drops id from the live snapshot.
func (h *Hub) RemoveTask(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.snapshot, id)
}

// Task returns a copy of the snapshot entry for id.
func (h *Hub) Task(id string) (*task.Task, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.snapshot[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of every known task, oldest first.
func (h *Hub) Tasks() []*task.Task {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*task.Task, 0, len(h.snapshot))
	for _, t := range h.snapshot {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
