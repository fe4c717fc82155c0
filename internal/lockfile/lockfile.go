// Package lockfile guards a workspace against concurrent agent
// sessions with a pid-stamped lock file. Two managers mutating the
// same working directory would break the single-writer discipline the
// session state relies on.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrHeld is returned when another live process holds the lock.
var ErrHeld = errors.New("workspace is locked by another session")

// Lock is a held workspace lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the lock at path, stealing it when the recorded owner
// is no longer alive.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err == nil {
			lock := &Lock{path: path, file: file}
			if werr := lock.stamp(); werr != nil {
				_ = lock.Release()
				return nil, werr
			}
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		owner, stale := ownerState(path)
		if !stale {
			return nil, fmt.Errorf("%w (pid %d)", ErrHeld, owner)
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", rerr)
		}
	}
	return nil, fmt.Errorf("%w: lock file keeps reappearing", ErrHeld)
}

// stamp writes the owner pid and acquisition time.
func (l *Lock) stamp() error {
	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// ownerState reads the lock and reports its owner pid and whether the
// lock is stale. Unreadable or malformed locks count as stale.
func ownerState(path string) (pid int, stale bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, true
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, true
	}
	if !processAlive(pid) {
		return pid, true
	}
	return pid, false
}

// Release drops the lock and removes its file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
		if err != nil {
			return fmt.Errorf("%v; failed to remove lock file: %w", err, rerr)
		}
		return fmt.Errorf("failed to remove lock file: %w", rerr)
	}
	return err
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }
