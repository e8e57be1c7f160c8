// Package task defines the download task record and its enumerations.
// Tasks are pure data; all mutation happens in the manager package.
package task

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State describes where a task is in its lifecycle.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further automatic transition applies.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Priority orders tasks in the pending queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a user-supplied name to a Priority.
// Unknown names fall back to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Task is one requested file transfer and its mutable state.
// ID, Source, FileName, Priority and CreatedAt never change after creation.
type Task struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	FileName        string    `json:"file_name"`
	Priority        Priority  `json:"priority"`
	State           State     `json:"state"`
	Progress        float64   `json:"progress"`
	ExpectedBytes   int64     `json:"expected_bytes"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	Speed           int64     `json:"speed"` // bytes per second, informational
	CreatedAt       time.Time `json:"created_at"`
	Error           string    `json:"error,omitempty"`
}

// New creates a queued task for source. An empty fileName defaults to the
// last path segment of the URL.
func New(source, fileName string, prio Priority) *Task {
	if fileName == "" {
		fileName = FileNameFromURL(source)
	}
	return &Task{
		ID:        uuid.NewString(),
		Source:    source,
		FileName:  fileName,
		Priority:  prio,
		State:     StateQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns an independent copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// FileNameFromURL derives a target file name from the last path segment
// of raw. It falls back to "download" when the URL has no usable segment.
func FileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}
