package flow

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockHeld reports that a lock file already exists. Callers can tell lock
// contention apart from I/O failures with errors.Is.
var ErrLockHeld = errors.New("flow: lock already held")

// FileLock is an exclusive, filesystem-visible lock over a fixed path.
//
// Acquisition never blocks and is never retried here. There is no automatic
// staleness recovery: the lock file records pid, host and acquisition time so
// an operator can judge whether the holder is gone, and Break removes the
// file explicitly.
type FileLock struct {
	path string
}

func NewFileLock(path string) *FileLock { return &FileLock{path: path} }

func (l *FileLock) Path() string { return l.path }

// Acquire creates the lock file. It fails with ErrLockHeld if the file
// already exists, regardless of who created it.
func (l *FileLock) Acquire() error {
	fh, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("acquire %s: %w", l.path, ErrLockHeld)
		}
		return fmt.Errorf("acquire %s: %w", l.path, err)
	}
	defer fh.Close()

	host, _ := os.Hostname()
	fmt.Fprintf(fh, "pid=%d\nhost=%s\nacquired=%s\n", os.Getpid(), host, time.Now().Format(time.RFC3339))
	return nil
}

// Release removes the lock file.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

// Break removes the lock file regardless of who holds it. This is the manual
// recovery path for locks left behind by a crashed run.
func (l *FileLock) Break() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("break %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether the lock file currently exists.
func (l *FileLock) Held() bool {
	_, err := os.Stat(l.path)
	return err == nil
}
