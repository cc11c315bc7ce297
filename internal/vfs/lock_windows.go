//go:build windows

package vfs

import (
	"errors"
	"io"
	"os"
)

// ErrLocked is returned when the directory lock is held by another process.
var ErrLocked = errors.New("vfs: lock held by another process")

type fileLock struct {
	f *os.File
}

// lockFile opens the lock file exclusively. Windows has no advisory flock;
// the open handle is the lock.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
