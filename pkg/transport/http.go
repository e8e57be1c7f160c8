package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"dlm/pkg/config"
	"dlm/pkg/dlerr"
	"dlm/pkg/task"
)

// progressEvery throttles progress events per transfer.
const progressEvery = 200 * time.Millisecond

// HTTP downloads tasks over http(s) into the configured temp directory,
// renaming the file into the download directory on completion. A transfer
// restarted after a suspend continues from the partial file with a Range
// request.
type HTTP struct {
	cfg    *config.Config
	client *http.Client
	events chan<- Event
}

var _ Transport = (*HTTP)(nil)

// NewHTTP creates the transport. Terminal and progress events are
// delivered on events, which the caller owns and consumes.
func NewHTTP(cfg *config.Config, events chan<- Event) *HTTP {
	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			// The overall transfer is bounded by context, not a client
			// timeout, since downloads routinely exceed any fixed budget.
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.Timeout,
				Proxy:                 http.ProxyFromEnvironment,
			},
		},
		events: events,
	}
}

func (h *HTTP) Start(ctx context.Context, t *task.Task) (Handle, error) {
	if err := os.MkdirAll(h.cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating temp dir: %v", dlerr.ErrFile, err)
	}
	hd := &handle{
		transport: h,
		task:      t.Clone(),
		partial:   h.cfg.PartialPath(t.ID),
		dest:      filepath.Join(h.cfg.DownloadDir, t.FileName),
	}
	hd.start(ctx)
	return hd, nil
}

type handle struct {
	transport *HTTP
	task      *task.Task
	partial   string
	dest      string

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	quiet   atomic.Bool // suppress the Result event after suspend/cancel
}

var _ Handle = (*handle)(nil)

func (hd *handle) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	hd.mu.Lock()
	hd.cancel = cancel
	hd.running = true
	hd.mu.Unlock()
	go hd.run(runCtx)
}

func (hd *handle) Suspend() error {
	hd.quiet.Store(true)
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if hd.cancel != nil {
		hd.cancel()
	}
	return nil
}

func (hd *handle) Resume() error {
	hd.mu.Lock()
	if hd.running {
		hd.mu.Unlock()
		return dlerr.ErrAlreadyDownloading
	}
	hd.mu.Unlock()
	hd.quiet.Store(false)
	hd.start(context.Background())
	return nil
}

func (hd *handle) Cancel() error {
	hd.quiet.Store(true)
	hd.mu.Lock()
	if hd.cancel != nil {
		hd.cancel()
	}
	hd.mu.Unlock()
	if err := os.Remove(hd.partial); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing partial file: %v", dlerr.ErrFile, err)
	}
	return nil
}

func (hd *handle) run(ctx context.Context) {
	defer func() {
		hd.mu.Lock()
		hd.running = false
		hd.mu.Unlock()
	}()
	err := hd.fetch(ctx)
	if hd.quiet.Load() {
		return
	}
	res := &Result{TaskID: hd.task.ID, Err: err}
	if err == nil {
		res.LocalPath = hd.dest
	}
	hd.transport.events <- Event{TaskID: hd.task.ID, Result: res}
}

func (hd *handle) fetch(ctx context.Context) error {
	f, err := os.OpenFile(hd.partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening partial file: %v", dlerr.ErrFile, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", dlerr.ErrFile, err)
	}
	offset := info.Size()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hd.task.Source, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", dlerr.ErrNetwork, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	} else {
		// Ask for gzip explicitly; we decode it ourselves below so the
		// byte counts reflect the decoded payload.
		req.Header.Set("Accept-Encoding", "gzip")
	}

	resp, err := hd.transport.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", dlerr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// Server ignored the range request; start over.
			if err := f.Truncate(0); err != nil {
				return fmt.Errorf("%w: %v", dlerr.ErrFile, err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("%w: %v", dlerr.ErrFile, err)
			}
			offset = 0
		}
	case http.StatusPartialContent:
		slog.Debug("Resuming transfer", "id", hd.task.ID, "offset", offset)
	default:
		return fmt.Errorf("%w: unexpected status %s", dlerr.ErrNetwork, resp.Status)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", dlerr.ErrNetwork, err)
		}
		defer gz.Close()
		body = gz
	}

	total := int64(0)
	if resp.ContentLength > 0 && resp.Header.Get("Content-Encoding") != "gzip" {
		total = resp.ContentLength + offset
	}

	pw := &progressWriter{handle: hd, written: offset, total: total, start: time.Now()}
	if _, err := io.Copy(io.MultiWriter(f, pw), body); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: transfer aborted", dlerr.ErrCancelled)
		}
		return fmt.Errorf("%w: %v", dlerr.ErrNetwork, err)
	}
	pw.flush()

	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", dlerr.ErrFile, err)
	}
	if err := os.MkdirAll(filepath.Dir(hd.dest), 0755); err != nil {
		return fmt.Errorf("%w: %v", dlerr.ErrFile, err)
	}
	if err := os.Rename(hd.partial, hd.dest); err != nil {
		return fmt.Errorf("%w: moving into place: %v", dlerr.ErrFile, err)
	}
	return nil
}

// progressWriter emits throttled progress events as bytes arrive.
type progressWriter struct {
	handle  *handle
	written int64 // cumulative, including prior partial
	session int64 // bytes this attempt, for speed
	total   int64
	start   time.Time
	last    time.Time
	pending int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	pw.written += int64(n)
	pw.session += int64(n)
	pw.pending += int64(n)
	if time.Since(pw.last) >= progressEvery {
		pw.flush()
	}
	return n, nil
}

func (pw *progressWriter) flush() {
	if pw.pending == 0 {
		return
	}
	elapsed := time.Since(pw.start).Seconds()
	var speed int64
	if elapsed > 0 {
		speed = int64(float64(pw.session) / elapsed)
	}
	hd := pw.handle
	if hd.quiet.Load() {
		return
	}
	hd.transport.events <- Event{TaskID: hd.task.ID, Progress: &Progress{
		TaskID:        hd.task.ID,
		BytesWritten:  pw.pending,
		TotalWritten:  pw.written,
		TotalExpected: pw.total,
		Speed:         speed,
	}}
	pw.pending = 0
	pw.last = time.Now()
}
