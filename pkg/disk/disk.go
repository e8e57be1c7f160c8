// Package disk provides utilities for inspecting the local storage used
// by the download manager.
package disk

import (
	"os"
	"path/filepath"
	"syscall"

	"dlm/pkg/config"
)

// Usage represents disk usage for one category of managed data.
type Usage struct {
	Label string
	Size  int64
	Items int
	Path  string
}

// Manager reports on the directories the download manager owns.
type Manager struct {
	cfg *config.Config
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Info returns per-directory usage and the combined total.
func (m *Manager) Info() ([]Usage, int64) {
	dirs := []Usage{
		{Label: "Downloads", Path: m.cfg.DownloadDir},
		{Label: "Partial", Path: m.cfg.TempDir},
		{Label: "State", Path: m.cfg.StateDir},
	}
	var total int64
	for i := range dirs {
		dirs[i].Size, dirs[i].Items = DirSize(dirs[i].Path)
		total += dirs[i].Size
	}
	return dirs, total
}

// DirSize calculates the total size and item count of a directory.
func DirSize(path string) (int64, int) {
	var size int64
	var count int
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
			count++
		}
		return nil
	})
	return size, count
}

// FreeSpace returns the bytes available to an unprivileged caller on the
// filesystem containing path.
func FreeSpace(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
