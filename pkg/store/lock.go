package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// lockLedger enforces the single-writer discipline on the ledger across
// processes by creating a .lock file next to it. A lock whose recorded
// PID is no longer alive is treated as stale and removed.
func lockLedger(path string) (func() error, error) {
	lockFile := path + ".lock"

	for {
		f, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			content := fmt.Sprintf("%s %d", time.Now().Format(time.RFC3339), os.Getpid())
			if _, werr := f.WriteString(content); werr != nil {
				f.Close()
				os.Remove(lockFile)
				return nil, fmt.Errorf("writing lock file: %w", werr)
			}
			f.Close()
			return func() error { return os.Remove(lockFile) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquiring ledger lock: %w", err)
		}

		content, err := os.ReadFile(lockFile)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		parts := strings.Fields(strings.TrimSpace(string(content)))
		if len(parts) < 2 {
			os.Remove(lockFile)
			continue
		}
		pid, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			os.Remove(lockFile)
			continue
		}
		if pidAlive(pid) {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		os.Remove(lockFile)
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
