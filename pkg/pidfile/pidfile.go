// Package pidfile implements the single-instance PID file discipline used
// by the daemon's lifecycle controller: write our pid on start, and let
// control commands (reload/shutdown) read it back to find the running
// daemon.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// File is an open, flock'd PID file held for the lifetime of the daemon.
type File struct {
	f *os.File
}

// LockError reports that path is already locked by another process, i.e. a
// daemon instance is already running against it. Callers map this to exit
// code 3 ("already running"), per spec.md §6.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("pid file %s is locked by another process: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// Create opens path create-or-truncate at mode 0666, takes an exclusive
// non-blocking flock on it so a second daemon can't believe it owns the
// same PID file, and writes the current process id as ASCII decimal.
//
// A permission failure opening path is the caller's responsibility to treat
// as fatal with exit code 4; a failure to acquire the lock is returned as
// *LockError, mapping to exit code 3, per spec.md §4.7/§6.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, &LockError{Path: path, Err: err}
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return &File{f: f}, nil
}

// Remove unlocks, closes, and removes the PID file. Safe to call once at
// shutdown.
func (p *File) Remove() error {
	name := p.f.Name()
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	p.f.Close()
	return os.Remove(name)
}

// Read reads and parses the process id recorded in path. It does not take
// any lock and is used by the reload/shutdown CLI verbs, which only need
// to read the pid, not hold the file open.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}
