// Package manager coordinates the download lifecycle: admission,
// persistence, events and connectivity reactions.
//
// The manager is the only writer of task state. The admission loop, the
// connectivity reactor and the transport event consumer all funnel their
// transitions through one mutex, so a task's state never advances from
// two code paths at once.
package manager

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"dlm/pkg/config"
	"dlm/pkg/connmon"
	"dlm/pkg/dlerr"
	"dlm/pkg/disk"
	"dlm/pkg/events"
	"dlm/pkg/queue"
	"dlm/pkg/store"
	"dlm/pkg/task"
	"dlm/pkg/transport"
)

// Request is one entry of a DownloadMultiple batch.
type Request struct {
	URL      string
	FileName string
	Priority task.Priority
}

// MultiResult pairs a batch entry with its submission outcome.
type MultiResult struct {
	Task *task.Task
	Err  error
}

// Manager owns the three shared views (store, queue, event hub) and the
// set of in-flight transfers.
type Manager struct {
	cfg   *config.Config
	store store.Store
	queue *queue.Queue
	hub   *events.Hub
	tr    transport.Transport
	conn  connmon.Monitor

	tevents <-chan transport.Event

	mu     sync.Mutex
	active map[string]transport.Handle

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New wires the manager to its collaborators and reconciles persisted
// state from a previous process life. Call Run to start scheduling.
func New(cfg *config.Config, st store.Store, q *queue.Queue, hub *events.Hub,
	tr transport.Transport, conn connmon.Monitor, tevents <-chan transport.Event) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   st,
		queue:   q,
		hub:     hub,
		tr:      tr,
		conn:    conn,
		tevents: tevents,
		active:  make(map[string]transport.Handle),
		done:    make(chan struct{}),
	}
	m.restoreSession()
	return m
}

// Run starts the admission loop, the transport event consumer and the
// connectivity reactor.
func (m *Manager) Run() {
	m.wg.Add(3)
	go m.admissionLoop()
	go m.consumeLoop()
	go m.connectivityLoop()
}

// Close stops the control loops, suspends in-flight transfers so their
// partial files survive for the next session, and releases the store.
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	m.mu.Lock()
	for id, h := range m.active {
		if err := h.Suspend(); err != nil {
			slog.Warn("Suspending transfer on shutdown", "id", id, "error", err)
		}
		delete(m.active, id)
	}
	m.mu.Unlock()
	return m.store.Close()
}

// Submit validates and registers a new download. On success the task is
// persisted, queued and announced before Submit returns.
func (m *Manager) Submit(source, fileName string, prio task.Priority) (*task.Task, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, dlerr.ErrInvalidURL
	}
	if free, err := disk.FreeSpace(m.cfg.DownloadDir); err == nil && free < m.cfg.MinFreeDiskSpace {
		return nil, dlerr.ErrInsufficientStorage
	}

	t := task.New(source, fileName, prio)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveTask(t); err != nil {
		return nil, err
	}
	m.queue.Enqueue(t.Clone())
	m.hub.SetTask(t)
	m.hub.Publish(events.StateChange(t.ID, task.StateQueued))
	m.hub.Publish(events.QueueUpdated(m.hub.Tasks()))
	slog.Info("Queued download", "id", t.ID, "url", source, "priority", prio.String())
	return t.Clone(), nil
}

// DownloadMultiple submits every request concurrently and returns once
// each has either produced a task or an error. A failing submission does
// not affect its siblings.
func (m *Manager) DownloadMultiple(reqs []Request) []MultiResult {
	results := make([]MultiResult, len(reqs))
	var g errgroup.Group
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			t, err := m.Submit(r.URL, r.FileName, r.Priority)
			results[i] = MultiResult{Task: t, Err: err}
			return nil
		})
	}
	_ = g.Wait() // workers report per-item, never through the group
	return results
}

// Pause suspends an in-flight transfer. Tasks not currently downloading
// are left untouched.
func (m *Manager) Pause(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.hub.Task(id)
	if !ok || cur.State != task.StateDownloading {
		return
	}
	if h, ok := m.active[id]; ok {
		delete(m.active, id)
		if err := h.Suspend(); err != nil {
			slog.Warn("Suspending transfer", "id", id, "error", err)
		}
	}
	cur.Speed = 0
	m.applyState(cur, task.StatePaused)
	slog.Info("Paused download", "id", id)
}

// Resume re-queues a paused task. Any other state is a no-op.
func (m *Manager) Resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeLocked(id)
}

func (m *Manager) resumeLocked(id string) {
	cur, ok := m.hub.Task(id)
	if !ok || cur.State != task.StatePaused {
		return
	}
	m.applyState(cur, task.StateQueued)
	// a restored paused task already sits in the queue; drop that entry
	// so the id is never queued twice
	m.queue.Remove(id)
	m.queue.Enqueue(cur.Clone())
	m.hub.Publish(events.QueueUpdated(m.hub.Tasks()))
	slog.Info("Resumed download", "id", id)
}

// Cancel aborts a non-terminal task and removes its partial file.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.hub.Task(id)
	if !ok || cur.State.Terminal() {
		return
	}
	if h, ok := m.active[id]; ok {
		delete(m.active, id)
		if err := h.Cancel(); err != nil {
			slog.Warn("Aborting transfer", "id", id, "error", err)
		}
	} else if err := os.Remove(m.cfg.PartialPath(id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("Removing partial file", "id", id, "error", err)
	}
	m.queue.Remove(id)
	cur.Speed = 0
	m.applyState(cur, task.StateCancelled)
	m.hub.Publish(events.QueueUpdated(m.hub.Tasks()))
	slog.Info("Cancelled download", "id", id)
}

// RemoveCompleted prunes every completed task from the store and the
// live snapshot.
func (m *Manager) RemoveCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.hub.Tasks() {
		if t.State != task.StateCompleted {
			continue
		}
		if err := m.store.RemoveTask(t.ID); err != nil {
			slog.Warn("Removing completed task", "id", t.ID, "error", err)
			continue
		}
		m.hub.RemoveTask(t.ID)
	}
	m.hub.Publish(events.QueueUpdated(m.hub.Tasks()))
}

// Task returns the live snapshot entry for id.
func (m *Manager) Task(id string) (*task.Task, bool) { return m.hub.Task(id) }

// Tasks returns the live snapshot, oldest first.
func (m *Manager) Tasks() []*task.Task { return m.hub.Tasks() }

// WatchProgress invokes fn for every progress event of id until the
// returned cancel function is called.
func (m *Manager) WatchProgress(id string, fn func(fraction float64, speed int64)) func() {
	ch, cancel := m.hub.SubscribeTask(id, 64)
	go func() {
		for ev := range ch {
			if ev.Kind == events.KindProgress {
				fn(ev.Progress, ev.Speed)
			}
		}
	}()
	return cancel
}

// restoreSession reconciles the persisted ledger with on-disk reality.
// In-flight handles from a previous process cannot have survived, so
// anything that was downloading is re-queued; completed tasks whose file
// vanished are retried; terminal failures are dropped outright.
func (m *Manager) restoreSession() {
	for _, t := range m.store.LoadTasks() {
		switch t.State {
		case task.StateDownloading, task.StateQueued:
			t.State = task.StateQueued
			t.Speed = 0
			m.persist(t)
			m.hub.SetTask(t)
			m.queue.Enqueue(t.Clone())
		case task.StatePaused:
			m.hub.SetTask(t)
			m.queue.Enqueue(t.Clone())
		case task.StateCompleted:
			dest := filepath.Join(m.cfg.DownloadDir, t.FileName)
			if _, err := os.Stat(dest); err == nil {
				m.hub.SetTask(t)
				continue
			}
			slog.Info("Completed file missing, re-queueing", "id", t.ID, "file", t.FileName)
			t.State = task.StateQueued
			t.Progress = 0
			t.DownloadedBytes = 0
			t.Speed = 0
			m.persist(t)
			m.hub.SetTask(t)
			m.queue.Enqueue(t.Clone())
		case task.StateFailed, task.StateCancelled:
			if err := m.store.RemoveTask(t.ID); err != nil {
				slog.Warn("Dropping terminal task", "id", t.ID, "error", err)
			}
		}
	}
	slog.Info("Session restored", "known", len(m.hub.Tasks()), "queued", m.queue.Len())
}

// admissionLoop promotes queued tasks while capacity allows. Polling
// trades one tick of latency for a scheduler with no missed wake-ups.
func (m *Manager) admissionLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.admit()
		}
	}
}

func (m *Manager) admit() {
	for {
		if !m.conn.Online() {
			return
		}
		m.mu.Lock()
		if len(m.active) >= m.cfg.MaxConcurrentDownloads {
			m.mu.Unlock()
			return
		}
		t := m.queue.Dequeue()
		if t == nil {
			m.mu.Unlock()
			return
		}
		m.startLocked(t)
		m.mu.Unlock()
	}
}

func (m *Manager) startLocked(t *task.Task) {
	cur, ok := m.hub.Task(t.ID)
	// stale queue entries (cancelled, already downloading) are dropped here
	if !ok || (cur.State != task.StateQueued && cur.State != task.StatePaused) {
		return
	}
	m.applyState(cur, task.StateDownloading)
	h, err := m.tr.Start(context.Background(), cur)
	if err != nil {
		m.failLocked(cur, err)
		return
	}
	m.active[cur.ID] = h
	slog.Info("Started download", "id", cur.ID, "file", cur.FileName)
}

// failLocked drives a task to failed with a recorded reason. Every
// in-flight failure path ends here; nothing propagates further up.
func (m *Manager) failLocked(t *task.Task, err error) {
	delete(m.active, t.ID)
	t.Error = dlerr.Describe(err)
	t.Speed = 0
	m.applyState(t, task.StateFailed)
	m.hub.Publish(events.Error(t.ID, t.Error))
	slog.Warn("Download failed", "id", t.ID, "error", t.Error)
}

// consumeLoop applies transport progress and completion events.
func (m *Manager) consumeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.tevents:
			m.handleTransportEvent(ev)
		}
	}
}

func (m *Manager) handleTransportEvent(ev transport.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.hub.Task(ev.TaskID)
	if !ok || cur.State != task.StateDownloading {
		// Late callback for a task already cancelled, paused or pruned.
		return
	}
	switch {
	case ev.Progress != nil:
		p := ev.Progress
		cur.DownloadedBytes = p.TotalWritten
		if p.TotalExpected > 0 {
			cur.ExpectedBytes = p.TotalExpected
			if f := float64(p.TotalWritten) / float64(p.TotalExpected); f > cur.Progress {
				cur.Progress = min(f, 1.0)
			}
		}
		cur.Speed = p.Speed
		m.persist(cur)
		m.hub.SetTask(cur)
		m.hub.Publish(events.Progress(cur.ID, cur.Progress, cur.Speed))
	case ev.Result != nil:
		delete(m.active, ev.TaskID)
		if ev.Result.Err != nil {
			m.failLocked(cur, ev.Result.Err)
			return
		}
		cur.Progress = 1
		cur.Speed = 0
		if cur.ExpectedBytes == 0 {
			cur.ExpectedBytes = cur.DownloadedBytes
		}
		m.applyState(cur, task.StateCompleted)
		slog.Info("Download complete", "id", cur.ID, "file", cur.FileName,
			"size", humanize.Bytes(uint64(cur.DownloadedBytes)))
	}
}

// connectivityLoop pauses everything on network loss and re-queues every
// paused task on recovery, including user-paused ones.
func (m *Manager) connectivityLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case online := <-m.conn.Changes():
			if online {
				m.onOnline()
			} else {
				m.onOffline()
			}
		}
	}
}

func (m *Manager) onOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paused int
	for id, h := range m.active {
		delete(m.active, id)
		if err := h.Suspend(); err != nil {
			slog.Warn("Suspending transfer", "id", id, "error", err)
		}
		if cur, ok := m.hub.Task(id); ok && cur.State == task.StateDownloading {
			cur.Speed = 0
			m.applyState(cur, task.StatePaused)
			paused++
		}
	}
	slog.Info("Network lost, downloads paused", "count", paused)
}

func (m *Manager) onOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.hub.Tasks() {
		if t.State == task.StatePaused {
			m.resumeLocked(t.ID)
		}
	}
	slog.Info("Network restored")
}

// applyState persists and announces a state transition. Persistence
// failures are logged, never raised; the durable record catches up on the
// next successful write.
func (m *Manager) applyState(t *task.Task, s task.State) {
	t.State = s
	m.persist(t)
	m.hub.SetTask(t)
	m.hub.Publish(events.StateChange(t.ID, s))
}

func (m *Manager) persist(t *task.Task) {
	if err := m.store.UpdateTask(t); err != nil {
		slog.Error("Persisting task", "id", t.ID, "error", err)
	}
}
