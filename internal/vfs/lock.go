//go:build !windows

package vfs

import (
	"errors"
	"io"
	"os"
	"syscall"
)

// ErrLocked is returned when the directory lock is held by another process.
var ErrLocked = errors.New("vfs: lock held by another process")

// fileLock holds an flock(2) exclusive lock until closed.
type fileLock struct {
	f *os.File
}

// lockFile acquires a non-blocking exclusive lock on the named file,
// creating it if needed.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, err
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	// The lock is released with the descriptor anyway.
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
