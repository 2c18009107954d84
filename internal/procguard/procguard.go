// Package procguard gives Pulse its single-instance guarantee: a PID
// file guarded by an exclusive advisory lock held for the daemon's
// entire lifetime.
package procguard

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
)

// Guard holds the PID file lock. Release must be called exactly once,
// on shutdown.
type Guard struct {
	path string
	lock *flock.Flock
}

// Acquire opens path for writing, attempts a non-blocking exclusive
// advisory lock, and on success writes the current PID. If the lock is
// already held, it returns an error without modifying any state file —
// callers should exit non-zero. If path exists but the owning process is
// gone (a stale PID file left by a SIGKILL), it is removed and the
// acquisition is retried once.
func Acquire(path string) (*Guard, error) {
	g, err := tryAcquire(path)
	if err == nil {
		return g, nil
	}

	if removeStale(path) {
		return tryAcquire(path)
	}
	return nil, err
}

func tryAcquire(path string) (*Guard, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("procguard: acquire lock on %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("procguard: %q is locked by another process", path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("procguard: write pid file: %w", err)
	}

	return &Guard{path: path, lock: fl}, nil
}

// removeStale reports whether path held a PID file whose process no
// longer exists, removing it so the caller's retry can succeed. It is
// called only after TryLock failed; it leaves in place a file whose
// recorded PID names a live process, and removes one whose content is
// not a PID.
func removeStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		_ = os.Remove(path)
		return true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = os.Remove(path)
		return true
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(path)
		return true
	}
	return false // process is alive; not actually stale
}

// Release unlocks and removes the PID file. Safe to call once at
// shutdown; the lock is dropped regardless of removal success.
func (g *Guard) Release() error {
	removeErr := os.Remove(g.path)
	unlockErr := g.lock.Unlock()
	if unlockErr != nil {
		return fmt.Errorf("procguard: unlock: %w", unlockErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("procguard: remove pid file: %w", removeErr)
	}
	return nil
}
