// Package lockfile guards a CarePipe state directory against a second running instance.
//
// Two instances over one SQLite database would both run the reminder scan and send every
// reminder twice. The lock is an flock on a file in the state directory, so the kernel drops it
// when the process exits for any reason.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "carepipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir without blocking. When another process holds it
// the returned error is a *HeldError.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's pid before we know whether we own the lock.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		held := &HeldError{Path: path, PID: readPID(path), Cause: err}
		slog.Error("lockfile.Acquire: state directory in use", "lock_path", path, "holder_pid", held.PID)
		return nil, held
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting instance never sees our stale pid.
	removeErr := os.Remove(l.path)
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err := errors.Join(removeErr, unlockErr, closeErr); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	slog.Debug("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// HeldError reports a state directory locked by another process.
type HeldError struct {
	Path  string
	PID   int // 0 when the holder's pid could not be read
	Cause error
}

func (e *HeldError) Error() string {
	holder := "unknown process"
	if e.PID > 0 {
		holder = "pid " + strconv.Itoa(e.PID)
		if !processRunning(e.PID) {
			holder += " (not running)"
		}
	}
	return fmt.Sprintf("another CarePipe instance (%s) holds %s; stop it or use a different state directory", holder, e.Path)
}

func (e *HeldError) Unwrap() error {
	return e.Cause
}

// readPID returns the pid recorded in the lock file at path, or 0.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parsePID(string(data))
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}

// processRunning sends signal 0, which checks existence without delivering anything.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
