// Package transport performs the actual network transfer for download
// tasks. The manager never blocks on the network: Start returns a Handle
// immediately and outcomes arrive asynchronously as Events on the channel
// the transport was constructed with.
package transport

import (
	"context"

	"dlm/pkg/task"
)

// Progress reports byte-level movement for one task.
type Progress struct {
	TaskID        string
	BytesWritten  int64 // bytes in this report
	TotalWritten  int64 // cumulative, including any earlier partial file
	TotalExpected int64 // 0 when the server did not say
	Speed         int64 // bytes per second
}

// Result is the terminal outcome of one transfer attempt.
type Result struct {
	TaskID    string
	LocalPath string
	Err       error
}

// Event carries exactly one of Progress or Result.
type Event struct {
	TaskID   string
	Progress *Progress
	Result   *Result
}

// Handle controls one in-flight transfer.
type Handle interface {
	// Suspend aborts the transfer, keeping the partial file for a later
	// resume. No Result event is emitted.
	Suspend() error
	// Resume restarts a suspended transfer from the partial file.
	Resume() error
	// Cancel aborts the transfer and deletes the partial file. No Result
	// event is emitted.
	Cancel() error
}

// Transport starts transfers on behalf of the manager.
type Transport interface {
	Start(ctx context.Context, t *task.Task) (Handle, error)
}
