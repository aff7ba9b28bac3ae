package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// dirLock is an advisory flock on the session root directory. It guarantees
// that two server processes never hand out overlapping working directories
// or log files from the same root.
type dirLock struct {
	path string
	file *os.File
}

func newDirLock(root string) *dirLock {
	return &dirLock{path: filepath.Join(root, ".lock")}
}

// TryLock acquires the lock without blocking.
func (l *dirLock) TryLock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("flock %s: %w", l.path, err)
	}

	l.file = f
	return nil
}

// Unlock releases the lock and removes the lock file.
func (l *dirLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path)

	l.file = nil
	return nil
}
