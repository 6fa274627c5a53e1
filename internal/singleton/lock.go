// Package singleton prevents two reconciliation passes against the same
// fleet from running concurrently. A run is invoked once per run_interval
// by an external scheduler (spec §6 CLI contract); overlapping invocations
// against the same configuration would race on the cloud adapter and the
// in-memory request registry.
package singleton

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock wraps an advisory file lock scoped to one fleet (namePrefix), held
// for the lifetime of one reconciliation pass.
type Lock struct {
	file *os.File
}

// Acquire takes a non-blocking exclusive lock on a file under dir named
// after namePrefix. It fails fast if another invocation already holds it,
// rather than queuing behind a stale or stuck run.
func Acquire(dir, namePrefix string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("singleton: creating lock directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.lock", namePrefix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("singleton: opening lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("singleton: another instance already holds the lock for %q: %w", namePrefix, err)
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("singleton: unlocking: %w", err)
	}
	return l.file.Close()
}
