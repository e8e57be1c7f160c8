package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlm/pkg/config"
	"dlm/pkg/connmon"
	"dlm/pkg/events"
	"dlm/pkg/manager"
	"dlm/pkg/queue"
	"dlm/pkg/store"
	"dlm/pkg/task"
	"dlm/pkg/transport"
)

func TestWaitPlainReturnsWhenSessionAlreadyTerminal(t *testing.T) {
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.PollInterval = time.Hour

	st, err := store.Open(cfg.LedgerPath())
	require.NoError(t, err)
	tk := task.New("https://example.com/done.bin", "done.bin", task.PriorityNormal)
	tk.State = task.StateCompleted
	require.NoError(t, st.SaveTask(tk))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DownloadDir, "done.bin"), []byte("data"), 0644))
	require.NoError(t, st.Close())

	st2, err := store.Open(cfg.LedgerPath())
	require.NoError(t, err)
	hub := events.NewHub()
	tev := make(chan transport.Event, 16)
	mgr := manager.New(cfg, st2, queue.New(cfg.MaxQueueSize), hub, transport.NewHTTP(cfg, tev),
		connmon.NewStub(true), tev)
	t.Cleanup(func() { mgr.Close() })

	// every task finished before the subscription existed; the wait must
	// notice without depending on a further event
	done := make(chan error, 1)
	go func() { done <- waitPlain(mgr, hub) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waitPlain never noticed the already-terminal session")
	}
}
