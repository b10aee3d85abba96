// Package lifecycle owns the daemon's process-level concerns: the
// single-instance lock file and graceful/forced shutdown on signal. No
// library in the retrieval pack implements PID-file locking, so this
// stays on the standard library (os, syscall, os/signal).
package lifecycle

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is a single-instance PID lock file at a well-known path.
type Lock struct {
	path string
}

// NewLock builds a Lock for the given path; it does not touch the
// filesystem until Acquire is called.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire refuses to start if the lock file exists and names a live
// process (a syscall.Kill(pid, 0) probe succeeds); otherwise it writes
// the current pid, overwriting any stale lock.
func (l *Lock) Acquire() error {
	if pid, ok := readLockedPID(l.path); ok && processIsLive(pid) {
		return fmt.Errorf("lifecycle: another instance is already running (pid %d, lock %s)", pid, l.path)
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("lifecycle: write lock file: %w", err)
	}
	return nil
}

// Release removes the lock file. Safe to call even if Acquire was never
// called or already failed.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove lock file: %w", err)
	}
	return nil
}

// readLockedPID reads and parses the pid recorded in an existing lock
// file. ok is false if the file is absent, empty, or unparsable, all of
// which are treated as "no live owner" by the caller.
func readLockedPID(path string) (pid int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// processIsLive probes pid with signal 0, which delivers no signal but
// still returns an error if the process does not exist or is
// unreachable.
func processIsLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
