package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlm/pkg/config"
	"dlm/pkg/dlerr"
	"dlm/pkg/task"
)

// testContext stands in for t.Context (Go 1.24+): a context cancelled
// when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestTransport(t *testing.T) (*HTTP, chan Event, *config.Config) {
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.Timeout = 5 * time.Second
	ev := make(chan Event, 256)
	return NewHTTP(cfg, ev), ev, cfg
}

// waitResult drains events until the terminal result arrives.
func waitResult(t *testing.T, ev chan Event) ([]Progress, Result) {
	t.Helper()
	var progresses []Progress
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ev:
			if e.Progress != nil {
				progresses = append(progresses, *e.Progress)
			}
			if e.Result != nil {
				return progresses, *e.Result
			}
		case <-deadline:
			t.Fatal("no result event")
		}
	}
}

func TestDownloadSuccess(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 4096)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.Write(content)
	}))
	defer ts.Close()

	tr, ev, cfg := newTestTransport(t)
	tk := task.New(ts.URL+"/file.bin", "file.bin", task.PriorityNormal)
	_, err := tr.Start(testContext(t), tk)
	require.NoError(t, err)

	progresses, res := waitResult(t, ev)
	require.NoError(t, res.Err)
	assert.Equal(t, filepath.Join(cfg.DownloadDir, "file.bin"), res.LocalPath)

	require.NotEmpty(t, progresses)
	last := progresses[len(progresses)-1]
	assert.EqualValues(t, len(content), last.TotalWritten)
	assert.EqualValues(t, len(content), last.TotalExpected)

	got, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(cfg.PartialPath(tk.ID))
	assert.True(t, os.IsNotExist(err), "partial file should be renamed away")
}

func TestDownloadBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	tr, ev, _ := newTestTransport(t)
	tk := task.New(ts.URL+"/missing", "missing", task.PriorityNormal)
	_, err := tr.Start(testContext(t), tk)
	require.NoError(t, err)

	_, res := waitResult(t, ev)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, dlerr.ErrNetwork)
}

func TestDownloadGzip(t *testing.T) {
	payload := strings.Repeat("gzip me please ", 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(payload))
		gz.Close()
	}))
	defer ts.Close()

	tr, ev, _ := newTestTransport(t)
	tk := task.New(ts.URL+"/data.txt", "data.txt", task.PriorityNormal)
	_, err := tr.Start(testContext(t), tk)
	require.NoError(t, err)

	_, res := waitResult(t, ev)
	require.NoError(t, res.Err)
	got, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got), "byte counts track the decoded payload")
}

// slowServer writes half the content, then holds the connection until the
// client goes away. Range requests get the remainder immediately.
func slowServer(t *testing.T, content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			var off int64
			fmt.Sscanf(rng, "bytes=%d-", &off)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, len(content)-1, len(content)))
			w.Header().Set("Content-Length", fmt.Sprintf("%d", int64(len(content))-off))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[off:])
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:len(content)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
}

func TestSuspendKeepsPartialAndResumeCompletes(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 8192)
	ts := slowServer(t, content)
	defer ts.Close()

	tr, ev, cfg := newTestTransport(t)
	tk := task.New(ts.URL+"/big.bin", "big.bin", task.PriorityNormal)
	h, err := tr.Start(testContext(t), tk)
	require.NoError(t, err)

	// wait until bytes are flowing, then suspend
	select {
	case e := <-ev:
		require.NotNil(t, e.Progress)
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before suspend")
	}
	require.NoError(t, h.Suspend())

	// suspend emits no result and preserves the partial file
	select {
	case e := <-ev:
		if e.Result != nil {
			t.Fatalf("unexpected result after suspend: %+v", e.Result)
		}
	case <-time.After(300 * time.Millisecond):
	}
	info, err := os.Stat(cfg.PartialPath(tk.ID))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.Eventually(t, func() bool { return h.Resume() == nil },
		2*time.Second, 20*time.Millisecond)

	_, res := waitResult(t, ev)
	require.NoError(t, res.Err)
	got, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed download must stitch the ranges together")
}

func TestCancelRemovesPartial(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1<<16)
	ts := slowServer(t, content)
	defer ts.Close()

	tr, ev, cfg := newTestTransport(t)
	tk := task.New(ts.URL+"/dead.bin", "dead.bin", task.PriorityNormal)
	h, err := tr.Start(testContext(t), tk)
	require.NoError(t, err)

	select {
	case e := <-ev:
		require.NotNil(t, e.Progress)
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before cancel")
	}
	require.NoError(t, h.Cancel())

	select {
	case e := <-ev:
		if e.Result != nil {
			t.Fatalf("unexpected result after cancel: %+v", e.Result)
		}
	case <-time.After(300 * time.Millisecond):
	}
	assert.Eventually(t, func() bool {
		_, err := os.Stat(cfg.PartialPath(tk.ID))
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServerIgnoringRangeRestarts(t *testing.T) {
	content := []byte("full content, no ranges here")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// always 200, even for range requests
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.Write(content)
	}))
	defer ts.Close()

	tr, ev, cfg := newTestTransport(t)
	tk := task.New(ts.URL+"/f.txt", "f.txt", task.PriorityNormal)

	// pre-existing partial garbage that the transport must discard
	require.NoError(t, os.WriteFile(cfg.PartialPath(tk.ID), []byte("stale"), 0644))

	_, err := tr.Start(testContext(t), tk)
	require.NoError(t, err)

	_, res := waitResult(t, ev)
	require.NoError(t, res.Err)
	got, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
