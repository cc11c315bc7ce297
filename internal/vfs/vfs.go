// Package vfs provides the filesystem abstraction segments are stored on.
//
// This allows SegDB to:
//   - Use the real OS filesystem in production
//   - Use a memory filesystem for tests and memory-backed segments
//   - Use a fault-injection filesystem for crash testing
package vfs

import (
	"io"
	"os"
)

// FS is the filesystem interface.
type FS interface {
	// Create creates a new read-write file, truncating any existing one.
	Create(name string) (File, error)

	// OpenFile opens an existing file for reading and writing.
	OpenFile(name string) (File, error)

	// Rename atomically renames a file.
	Rename(oldname, newname string) error

	// Remove deletes a file.
	Remove(name string) error

	// RemoveAll removes a directory and all its contents.
	RemoveAll(path string) error

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm os.FileMode) error

	// Exists returns true if the file exists.
	Exists(name string) bool

	// ListDir lists the entry names of a directory.
	ListDir(path string) ([]string, error)

	// Lock acquires an exclusive lock on a file.
	// The returned Closer releases it.
	Lock(name string) (io.Closer, error)

	// SyncDir makes directory entry changes (create, remove, rename) durable.
	SyncDir(path string) error
}

// File is a file supporting positional reads and writes.
//
// Segments append with WriteAt at their current length and patch the garbage
// flag and catalogue bytes in place, so a plain append-only writer is not
// enough.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Sync flushes the file contents to stable storage.
	Sync() error

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Size returns the current file size.
	Size() (int64, error)

	// Name returns the name the file was opened with.
	Name() string
}

// osFS implements FS using the OS filesystem.
type osFS struct{}

// Default returns the default OS filesystem.
func Default() FS {
	return &osFS{}
}

func (fs *osFS) Create(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (fs *osFS) OpenFile(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (fs *osFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (fs *osFS) Remove(name string) error {
	return os.Remove(name)
}

func (fs *osFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (fs *osFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (fs *osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (fs *osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (fs *osFS) Lock(name string) (io.Closer, error) {
	return lockFile(name)
}

func (fs *osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// osFile wraps os.File for the File interface.
type osFile struct {
	f *os.File
}

func (of *osFile) ReadAt(p []byte, off int64) (int, error) {
	return of.f.ReadAt(p, off)
}

func (of *osFile) WriteAt(p []byte, off int64) (int, error) {
	return of.f.WriteAt(p, off)
}

func (of *osFile) Close() error {
	return of.f.Close()
}

func (of *osFile) Sync() error {
	return of.f.Sync()
}

func (of *osFile) Truncate(size int64) error {
	return of.f.Truncate(size)
}

func (of *osFile) Size() (int64, error) {
	info, err := of.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (of *osFile) Name() string {
	return of.f.Name()
}
