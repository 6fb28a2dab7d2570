// Package lockfile guards a daemon state directory with an exclusive
// advisory file lock, so a second portd serve against the same database
// fails fast instead of racing the WAL file. It also exposes the
// PID-liveness primitive the OS probe builds on.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockBusy reports that another live process holds the lock.
var ErrLockBusy = errors.New("daemon lock held by another process")

const lockFileName = "portd.lock"

// LockInfo is written into the lock file so a second invocation can
// report who holds the directory without acquiring the lock itself.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	StartedAt time.Time `json:"started_at"`
}

// DaemonLock is a held exclusive lock on a daemon state directory.
// The kernel releases the underlying flock if the holder dies, so a
// stale lock file never blocks a restart.
type DaemonLock struct {
	file *os.File
	path string
}

// Acquire takes the single-instance lock for stateDir and records info
// in the lock file. Returns ErrLockBusy when another live process
// already holds it.
func Acquire(stateDir string, info LockInfo) (*DaemonLock, error) {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, lockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	if err := f.Truncate(0); err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	data, _ := json.Marshal(info)
	if _, err := f.WriteAt(data, 0); err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	return &DaemonLock{file: f, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *DaemonLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := flockUnlock(l.file)
	_ = l.file.Close()
	_ = os.Remove(l.path)
	return err
}

// Holder reads the lock file for stateDir without touching the lock,
// for error messages when Acquire returns ErrLockBusy.
func Holder(stateDir string) (LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, lockFileName))
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("parse lock file: %w", err)
	}
	return info, nil
}

// IsProcessRunning reports whether a process with the given PID is
// currently alive.
func IsProcessRunning(pid int) bool {
	return isProcessRunning(pid)
}
