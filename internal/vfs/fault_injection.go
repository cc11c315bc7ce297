package vfs

import (
	"errors"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedReadError is returned when a read error is injected.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")
)

// FaultInjectionFS wraps an FS and allows injecting errors.
// It tracks the synced length of every file so a crash can be simulated by
// dropping bytes appended after the last Sync.
//
// In-place writes below the synced length (garbage flag flips, catalogue
// rewrites) are not reverted by DropUnsyncedData.
type FaultInjectionFS struct {
	base FS

	mu sync.RWMutex

	fileState map[string]*fileState

	injectReadError  bool
	injectWriteError bool
	injectSyncError  bool
	readErrorPath    string
	writeErrorPath   string

	// writesBeforeError counts the writes to writeErrorPath that still
	// succeed before the injected write error takes effect.
	writesBeforeError int

	// shortWritePath is set when the next write to it stores only half its
	// bytes and then fails.
	shortWrite     bool
	shortWritePath string

	// When false every write fails, as after a crash.
	filesystemActive bool
}

type fileState struct {
	size       int64 // current length as seen through this FS
	syncedSize int64 // length at the last successful Sync
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:             base,
		fileState:        make(map[string]*fileState),
		filesystemActive: true,
	}
}

func absPath(name string) string {
	p, err := filepath.Abs(name)
	if err != nil {
		return filepath.Clean(name)
	}
	return p
}

// SetFilesystemActive enables or disables writes.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.filesystemActive = active
}

// InjectReadError makes reads of path fail. An empty path matches every file.
func (fs *FaultInjectionFS) InjectReadError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = true
	fs.readErrorPath = path
}

// InjectWriteError makes writes to path fail. An empty path matches every file.
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.InjectWriteErrorAfter(path, 0)
}

// InjectWriteErrorAfter lets n more creates, writes or truncates of path
// succeed and makes every later one fail. An empty path matches every file.
func (fs *FaultInjectionFS) InjectWriteErrorAfter(path string, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = true
	fs.writeErrorPath = path
	fs.writesBeforeError = n
}

// InjectShortWrite makes the next write to path store only the first half of
// its bytes and then fail with ErrInjectedWriteError, as a full disk would.
// An empty path matches every file.
func (fs *FaultInjectionFS) InjectShortWrite(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.shortWrite = true
	fs.shortWritePath = path
}

// InjectSyncError makes every Sync fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectSyncError = true
}

// ClearErrors clears all error injection.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = false
	fs.injectWriteError = false
	fs.injectSyncError = false
	fs.readErrorPath = ""
	fs.writeErrorPath = ""
	fs.writesBeforeError = 0
	fs.shortWrite = false
	fs.shortWritePath = ""
}

// DropUnsyncedData simulates a crash by truncating every tracked file to its
// last synced length.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	states := make(map[string]*fileState)
	maps.Copy(states, fs.fileState)
	fs.mu.Unlock()

	for path, state := range states {
		if state.syncedSize >= state.size {
			continue
		}
		f, err := fs.base.OpenFile(path)
		if err != nil {
			continue // removed since
		}
		truncErr := f.Truncate(state.syncedSize)
		_ = f.Close()
		if truncErr != nil {
			return truncErr
		}

		fs.mu.Lock()
		if s, ok := fs.fileState[path]; ok {
			s.size = s.syncedSize
		}
		fs.mu.Unlock()
	}
	return nil
}

// GetFileState returns the tracked lengths of a file.
func (fs *FaultInjectionFS) GetFileState(path string) (syncedSize, size int64, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	state, exists := fs.fileState[absPath(path)]
	if !exists {
		return 0, 0, false
	}
	return state.syncedSize, state.size, true
}

// writeFault must be called with fs.mu held for writing; it consumes one of
// the writes allowed by InjectWriteErrorAfter.
func (fs *FaultInjectionFS) writeFault(path string) error {
	if !fs.filesystemActive {
		return ErrInjectedWriteError
	}
	if fs.injectWriteError && matchPath(fs.writeErrorPath, path) {
		if fs.writesBeforeError > 0 {
			fs.writesBeforeError--
			return nil
		}
		return ErrInjectedWriteError
	}
	return nil
}

// takeShortWrite reports whether the write in progress to path is the
// injected short write. fs.mu must be held for writing.
func (fs *FaultInjectionFS) takeShortWrite(path string) bool {
	if !fs.shortWrite || !matchPath(fs.shortWritePath, path) {
		return false
	}
	fs.shortWrite = false
	return true
}

func matchPath(pattern, path string) bool {
	return pattern == "" || absPath(pattern) == path
}

func (fs *FaultInjectionFS) readFault(path string) error {
	if fs.injectReadError && matchPath(fs.readErrorPath, path) {
		return ErrInjectedReadError
	}
	return nil
}

// Create creates a new file with fault injection.
func (fs *FaultInjectionFS) Create(name string) (File, error) {
	path := absPath(name)
	fs.mu.Lock()
	err := fs.writeFault(path)
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}

	base, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.fileState[path] = &fileState{}
	fs.mu.Unlock()

	return &faultFile{base: base, fs: fs, path: path}, nil
}

// OpenFile opens an existing file. Its current length counts as synced.
func (fs *FaultInjectionFS) OpenFile(name string) (File, error) {
	path := absPath(name)
	fs.mu.RLock()
	err := fs.readFault(path)
	fs.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	base, err := fs.base.OpenFile(name)
	if err != nil {
		return nil, err
	}
	size, err := base.Size()
	if err != nil {
		_ = base.Close()
		return nil, err
	}

	fs.mu.Lock()
	fs.fileState[path] = &fileState{size: size, syncedSize: size}
	fs.mu.Unlock()

	return &faultFile{base: base, fs: fs, path: path}, nil
}

// Rename atomically renames a file.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	fs.mu.RLock()
	active := fs.filesystemActive
	fs.mu.RUnlock()
	if !active {
		return ErrInjectedWriteError
	}

	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}

	fs.mu.Lock()
	absOld, absNew := absPath(oldname), absPath(newname)
	if state, ok := fs.fileState[absOld]; ok {
		fs.fileState[absNew] = state
		delete(fs.fileState, absOld)
	}
	fs.mu.Unlock()
	return nil
}

// Remove deletes a file.
func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.base.Remove(name); err != nil {
		return err
	}

	fs.mu.Lock()
	delete(fs.fileState, absPath(name))
	fs.mu.Unlock()
	return nil
}

// RemoveAll removes a directory and all its contents.
func (fs *FaultInjectionFS) RemoveAll(path string) error {
	return fs.base.RemoveAll(path)
}

// MkdirAll creates a directory and all parent directories.
func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	fs.mu.RLock()
	active := fs.filesystemActive
	fs.mu.RUnlock()
	if !active {
		return ErrInjectedWriteError
	}
	return fs.base.MkdirAll(path, perm)
}

// Exists returns true if the file exists.
func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

// ListDir lists the entries of a directory.
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

// Lock acquires an exclusive lock on a file.
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

// SyncDir forwards to the base filesystem.
func (fs *FaultInjectionFS) SyncDir(path string) error {
	return fs.base.SyncDir(path)
}

// faultFile wraps File with fault injection.
type faultFile struct {
	base File
	fs   *FaultInjectionFS
	path string
}

func (f *faultFile) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.RLock()
	err := f.fs.readFault(f.path)
	f.fs.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	return f.base.ReadAt(p, off)
}

func (f *faultFile) WriteAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	err := f.fs.writeFault(f.path)
	short := err == nil && f.fs.takeShortWrite(f.path)
	f.fs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if short {
		p = p[:len(p)/2]
	}

	n, err := f.base.WriteAt(p, off)
	if err == nil && short {
		err = ErrInjectedWriteError
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok && off+int64(n) > state.size {
		state.size = off + int64(n)
	}
	f.fs.mu.Unlock()

	return n, err
}

func (f *faultFile) Close() error {
	return f.base.Close()
}

func (f *faultFile) Sync() error {
	f.fs.mu.RLock()
	injected := f.fs.injectSyncError
	f.fs.mu.RUnlock()
	if injected {
		return ErrInjectedSyncError
	}

	if err := f.base.Sync(); err != nil {
		return err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.syncedSize = state.size
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Truncate(size int64) error {
	f.fs.mu.Lock()
	err := f.fs.writeFault(f.path)
	f.fs.mu.Unlock()
	if err != nil {
		return err
	}

	if err := f.base.Truncate(size); err != nil {
		return err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.size = size
		if size < state.syncedSize {
			state.syncedSize = size
		}
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Size() (int64, error) {
	return f.base.Size()
}

func (f *faultFile) Name() string {
	return f.base.Name()
}
