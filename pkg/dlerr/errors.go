// Package dlerr defines the error taxonomy shared by the download manager.
package dlerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL marks a source that is malformed or uses an insecure scheme.
	ErrInvalidURL = errors.New("invalid or insecure url")
	// ErrInsufficientStorage marks a submission rejected by the free-space floor.
	ErrInsufficientStorage = errors.New("insufficient disk space")
	ErrNetwork             = errors.New("network error")
	ErrFile                = errors.New("file error")
	ErrCancelled           = errors.New("download cancelled")
	ErrAlreadyDownloading  = errors.New("download already in progress")
	ErrQueueFull           = errors.New("download queue is full")
	ErrUnknown             = errors.New("unknown error")
)

// StorageError wraps a failure of the persistent task ledger.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("task ledger %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Describe maps any error to the human-readable string recorded on a
// failed task. It never returns an empty string.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidURL),
		errors.Is(err, ErrInsufficientStorage),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrFile),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrAlreadyDownloading),
		errors.Is(err, ErrQueueFull):
		return err.Error()
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Error()
	}
	return err.Error()
}
