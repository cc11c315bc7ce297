package vfs

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// MemFS is an in-memory FS. Files survive Close and can be reopened, so a
// MemFS can stand in for a directory across DB reopen in tests. Sync is a
// no-op; wrap it in a FaultInjectionFS to model lost writes.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memData
	dirs  map[string]bool
	locks map[string]bool
}

type memData struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemFS returns an empty memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]*memData),
		dirs:  map[string]bool{"/": true, ".": true},
		locks: make(map[string]bool),
	}
}

func clean(name string) string {
	return filepath.Clean(name)
}

func (fs *MemFS) Create(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	if !fs.dirs[filepath.Dir(name)] {
		return nil, &os.PathError{Op: "create", Path: name, Err: os.ErrNotExist}
	}
	d := &memData{}
	fs.files[name] = d
	return &memFile{name: name, d: d}, nil
}

func (fs *MemFS) OpenFile(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	d, ok := fs.files[name]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{name: name, d: d}, nil
}

func (fs *MemFS) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldname, newname = clean(oldname), clean(newname)
	d, ok := fs.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	delete(fs.files, oldname)
	fs.files[newname] = d
	return nil
}

func (fs *MemFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	if _, ok := fs.files[name]; ok {
		delete(fs.files, name)
		return nil
	}
	if fs.dirs[name] {
		prefix := name + string(filepath.Separator)
		for f := range fs.files {
			if strings.HasPrefix(f, prefix) {
				return &os.PathError{Op: "remove", Path: name, Err: os.ErrExist}
			}
		}
		delete(fs.dirs, name)
		return nil
	}
	return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
}

func (fs *MemFS) RemoveAll(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path = clean(path)
	prefix := path + string(filepath.Separator)
	for f := range fs.files {
		if f == path || strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
		}
	}
	for d := range fs.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(fs.dirs, d)
		}
	}
	return nil
}

func (fs *MemFS) MkdirAll(path string, _ os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for p := clean(path); !fs.dirs[p]; p = filepath.Dir(p) {
		fs.dirs[p] = true
	}
	return nil
}

func (fs *MemFS) Exists(name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	_, ok := fs.files[name]
	return ok || fs.dirs[name]
}

func (fs *MemFS) ListDir(path string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path = clean(path)
	if !fs.dirs[path] {
		return nil, &os.PathError{Op: "readdir", Path: path, Err: os.ErrNotExist}
	}
	var names []string
	for f := range fs.files {
		if filepath.Dir(f) == path {
			names = append(names, filepath.Base(f))
		}
	}
	for d := range fs.dirs {
		if d != path && filepath.Dir(d) == path {
			names = append(names, filepath.Base(d))
		}
	}
	slices.Sort(names)
	return names, nil
}

func (fs *MemFS) Lock(name string) (io.Closer, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	if fs.locks[name] {
		return nil, ErrLocked
	}
	fs.locks[name] = true
	if _, ok := fs.files[name]; !ok {
		fs.files[name] = &memData{}
	}
	return &memLock{fs: fs, name: name}, nil
}

func (fs *MemFS) SyncDir(string) error {
	return nil
}

type memLock struct {
	fs   *MemFS
	name string
}

func (l *memLock) Close() error {
	l.fs.mu.Lock()
	defer l.fs.mu.Unlock()
	delete(l.fs.locks, l.name)
	return nil
}

// memFile is a handle on shared memData.
type memFile struct {
	name string
	d    *memData
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()

	if off >= int64(len(f.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()

	end := off + int64(len(p))
	if oldLen := int64(len(f.d.data)); end > oldLen {
		if end > int64(cap(f.d.data)) {
			grown := make([]byte, end, max(end, 2*int64(cap(f.d.data))))
			copy(grown, f.d.data)
			f.d.data = grown
		} else {
			f.d.data = f.d.data[:end]
			if off > oldLen {
				clear(f.d.data[oldLen:off])
			}
		}
	}
	return copy(f.d.data[off:], p), nil
}

func (f *memFile) Close() error {
	return nil
}

func (f *memFile) Sync() error {
	return nil
}

func (f *memFile) Truncate(size int64) error {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()

	if size <= int64(len(f.d.data)) {
		f.d.data = f.d.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.d.data)
	f.d.data = grown
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	return int64(len(f.d.data)), nil
}

func (f *memFile) Name() string {
	return f.name
}
