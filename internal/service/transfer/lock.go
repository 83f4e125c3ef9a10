package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"

	"github.com/oshokin/dump-fetcher/internal/logger"
)

// lockSuffix is appended to the destination to form the marker name.
const lockSuffix = ".lock"

// ErrLocked is returned when another live process is writing the destination.
var ErrLocked = errors.New("destination is locked by another process")

// processAlive reports whether a process with pid exists.
type processAlive func(pid int) (bool, error)

// goPSAlive looks the pid up in the process table.
func goPSAlive(pid int) (bool, error) {
	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}

	return process != nil, nil
}

// lock is an acquired destination marker.
type lock struct {
	path string
}

// acquireLock creates the marker for dest holding the current pid.
// A marker whose owner is no longer running is removed and acquisition retried once.
func acquireLock(ctx context.Context, dest string, alive processAlive) (*lock, error) {
	path := dest + lockSuffix

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, writeErr := file.WriteString(strconv.Itoa(os.Getpid()))
			closeErr := file.Close()

			if err = errors.Join(writeErr, closeErr); err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock marker: %w", err)
			}

			return &lock{path: path}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock marker: %w", err)
		}

		owner, stale := inspectLock(path, alive)
		if !stale {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrLocked, dest, owner)
		}

		logger.InfoKV(ctx, "The lock marker is stale, removing it", "marker", path, "pid", owner)

		if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock marker: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrLocked, dest)
}

// inspectLock returns the owner pid and whether the marker can be reclaimed.
func inspectLock(path string, alive processAlive) (int, bool) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		// Removed in between: let the next attempt race for it.
		return 0, errors.Is(err, os.ErrNotExist)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil || pid <= 0 {
		return 0, true
	}

	if pid == os.Getpid() {
		return pid, false
	}

	running, err := alive(pid)
	if err != nil {
		return pid, false
	}

	return pid, !running
}

// release removes the marker.
func (l *lock) release() {
	if l == nil {
		return
	}

	_ = os.Remove(l.path)
}
