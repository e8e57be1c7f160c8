package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlm/pkg/task"
)

func TestPublishDeliversInOrder(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(16)
	defer cancel()

	h.Publish(StateChange("a", task.StateQueued))
	h.Publish(Progress("a", 0.5, 100))
	h.Publish(StateChange("a", task.StateCompleted))

	assert.Equal(t, KindStateChange, (<-ch).Kind)
	ev := <-ch
	assert.Equal(t, KindProgress, ev.Kind)
	assert.Equal(t, 0.5, ev.Progress)
	ev = <-ch
	assert.Equal(t, task.StateCompleted, ev.State)
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	h := NewHub()
	h.Publish(StateChange("a", task.StateQueued))

	ch, cancel := h.Subscribe(16)
	defer cancel()
	h.Publish(StateChange("a", task.StateDownloading))

	ev := <-ch
	assert.Equal(t, task.StateDownloading, ev.State)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeTaskFilters(t *testing.T) {
	h := NewHub()
	ch, cancel := h.SubscribeTask("b", 16)
	defer cancel()

	h.Publish(StateChange("a", task.StateQueued))
	h.Publish(StateChange("b", task.StateQueued))

	ev := <-ch
	assert.Equal(t, "b", ev.TaskID)
	select {
	case ev := <-ch:
		t.Fatalf("filtered subscriber got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	// an undrained one-slot subscriber must never stall the publisher
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Progress("a", float64(i)/10, 0))
		}
		h.Publish(StateChange("a", task.StateCompleted))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	// the oldest events are shed; the newest survives
	ev := <-ch
	assert.Equal(t, KindStateChange, ev.Kind)
	assert.Equal(t, task.StateCompleted, ev.State)

	// the hub stays readable while the subscriber is behind
	tk := task.New("https://example.com/a", "", task.PriorityNormal)
	h.SetTask(tk)
	_, ok := h.Task(tk.ID)
	assert.True(t, ok)
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(16)
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// publishing after cancellation must not panic
	h.Publish(StateChange("a", task.StateQueued))
}

func TestSnapshot(t *testing.T) {
	h := NewHub()
	a := task.New("https://example.com/a", "", task.PriorityNormal)
	b := task.New("https://example.com/b", "", task.PriorityNormal)
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	h.SetTask(a)
	h.SetTask(b)

	got, ok := h.Task(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)

	// returned tasks are copies
	got.State = task.StateFailed
	again, _ := h.Task(a.ID)
	assert.Equal(t, task.StateQueued, again.State)

	all := h.Tasks()
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID, "oldest first")

	h.RemoveTask(a.ID)
	_, ok = h.Task(a.ID)
	assert.False(t, ok)
	assert.Len(t, h.Tasks(), 1)
}

func TestSnapshotStoresCopy(t *testing.T) {
	h := NewHub()
	a := task.New("https://example.com/a", "", task.PriorityNormal)
	h.SetTask(a)
	a.State = task.StateCancelled

	got, _ := h.Task(a.ID)
	assert.Equal(t, task.StateQueued, got.State)
}
