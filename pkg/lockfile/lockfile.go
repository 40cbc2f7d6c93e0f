// Package lockfile manages advisory file locks. Locks created here are
// tracked process-wide so shutdown paths can release them and remove the
// on-disk ".lock" files they leave behind.
package lockfile

import (
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/deechat/dmcp/pkg/logger"
)

var (
	trackedMu sync.Mutex
	tracked   = make(map[*flock.Flock]string)
)

// NewTrackedLock creates a lock handle for the given path and registers it
// for shutdown cleanup. Each call returns a fresh handle; exclusion between
// callers is provided by the operating system lock, including between
// goroutines of this process.
func NewTrackedLock(path string) *flock.Flock {
	lock := flock.New(path)
	trackedMu.Lock()
	tracked[lock] = path
	trackedMu.Unlock()
	return lock
}

// ReleaseTrackedLock unlocks the handle, unregisters it, and removes the
// lock file. Safe to call on a handle that never acquired the lock.
func ReleaseTrackedLock(path string, lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		logger.Debugf("failed to unlock %s: %v", path, err)
	}
	trackedMu.Lock()
	delete(tracked, lock)
	trackedMu.Unlock()
	// Best effort; another process may hold its own lock on the file.
	_ = os.Remove(path)
}

// ReleaseAll releases every tracked lock. Called on process shutdown so
// stale lock files do not outlive the run.
func ReleaseAll() {
	trackedMu.Lock()
	remaining := make(map[*flock.Flock]string, len(tracked))
	for lock, path := range tracked {
		remaining[lock] = path
	}
	trackedMu.Unlock()

	for lock, path := range remaining {
		ReleaseTrackedLock(path, lock)
	}
}
