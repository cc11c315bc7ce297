package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// filesystems returns every FS implementation rooted at a fresh directory.
func filesystems(t *testing.T) map[string]struct {
	fs  FS
	dir string
} {
	t.Helper()
	return map[string]struct {
		fs  FS
		dir string
	}{
		"os":    {Default(), t.TempDir()},
		"mem":   {mustMkdir(t, NewMemFS(), "/db"), "/db"},
		"fault": {NewFaultInjectionFS(Default()), t.TempDir()},
	}
}

func mustMkdir(t *testing.T, fs FS, dir string) FS {
	t.Helper()
	if err := fs.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	return fs
}

func TestFS_CreateWriteReadAt(t *testing.T) {
	for name, tc := range filesystems(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tc.dir, "000001.seg")
			f, err := tc.fs.Create(path)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			defer f.Close()

			if _, err := f.WriteAt([]byte("hello world"), 0); err != nil {
				t.Fatalf("WriteAt failed: %v", err)
			}
			if _, err := f.WriteAt([]byte("W"), 6); err != nil {
				t.Fatalf("in-place WriteAt failed: %v", err)
			}
			if err := f.Sync(); err != nil {
				t.Fatalf("Sync failed: %v", err)
			}

			buf := make([]byte, 11)
			if _, err := f.ReadAt(buf, 0); err != nil {
				t.Fatalf("ReadAt failed: %v", err)
			}
			if string(buf) != "hello World" {
				t.Errorf("content = %q, want %q", buf, "hello World")
			}
			size, err := f.Size()
			if err != nil || size != 11 {
				t.Errorf("Size() = %d, %v; want 11", size, err)
			}
		})
	}
}

func TestFS_ReopenAndTruncate(t *testing.T) {
	for name, tc := range filesystems(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tc.dir, "seg")
			f, err := tc.fs.Create(path)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			f.WriteAt([]byte("0123456789"), 0)
			f.Close()

			f, err = tc.fs.OpenFile(path)
			if err != nil {
				t.Fatalf("OpenFile failed: %v", err)
			}
			defer f.Close()
			if err := f.Truncate(4); err != nil {
				t.Fatalf("Truncate failed: %v", err)
			}
			buf := make([]byte, 8)
			n, err := f.ReadAt(buf, 0)
			if !errors.Is(err, io.EOF) || n != 4 || string(buf[:n]) != "0123" {
				t.Errorf("ReadAt after truncate = %q, %v", buf[:n], err)
			}
		})
	}
}

func TestFS_ListRenameRemove(t *testing.T) {
	for name, tc := range filesystems(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"b.seg", "a.seg"} {
				f, err := tc.fs.Create(filepath.Join(tc.dir, n))
				if err != nil {
					t.Fatalf("Create(%s) failed: %v", n, err)
				}
				f.Close()
			}
			if err := tc.fs.Rename(filepath.Join(tc.dir, "b.seg"), filepath.Join(tc.dir, "c.seg")); err != nil {
				t.Fatalf("Rename failed: %v", err)
			}
			if err := tc.fs.Remove(filepath.Join(tc.dir, "a.seg")); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}

			names, err := tc.fs.ListDir(tc.dir)
			if err != nil {
				t.Fatalf("ListDir failed: %v", err)
			}
			if len(names) != 1 || names[0] != "c.seg" {
				t.Errorf("ListDir() = %v, want [c.seg]", names)
			}
			if !tc.fs.Exists(filepath.Join(tc.dir, "c.seg")) {
				t.Error("c.seg should exist")
			}
			if _, err := tc.fs.OpenFile(filepath.Join(tc.dir, "a.seg")); !os.IsNotExist(err) {
				t.Errorf("OpenFile(removed) error = %v, want not-exist", err)
			}
		})
	}
}

func TestFS_Lock(t *testing.T) {
	for name, tc := range filesystems(t) {
		if name == "fault" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tc.dir, "LOCK")
			l, err := tc.fs.Lock(path)
			if err != nil {
				t.Fatalf("Lock failed: %v", err)
			}
			if name == "mem" {
				if _, err := tc.fs.Lock(path); !errors.Is(err, ErrLocked) {
					t.Errorf("second Lock error = %v, want ErrLocked", err)
				}
			}
			if err := l.Close(); err != nil {
				t.Fatalf("unlock failed: %v", err)
			}
			l, err = tc.fs.Lock(path)
			if err != nil {
				t.Fatalf("relock failed: %v", err)
			}
			l.Close()
		})
	}
}

func TestMemFS_SparseWriteZeroFills(t *testing.T) {
	fs := mustMkdir(t, NewMemFS(), "/d")
	f, _ := fs.Create("/d/f")
	f.WriteAt([]byte("abcdef"), 0)
	f.Truncate(2)
	f.WriteAt([]byte("z"), 4)

	buf := make([]byte, 5)
	f.ReadAt(buf, 0)
	if string(buf) != "ab\x00\x00z" {
		t.Errorf("content = %q, want zero-filled gap", buf)
	}
}

func TestFaultInjectionFS_DropUnsyncedData(t *testing.T) {
	mem := mustMkdir(t, NewMemFS(), "/db")
	fs := NewFaultInjectionFS(mem)

	f, err := fs.Create("/db/seg")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.WriteAt([]byte("synced"), 0)
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	f.WriteAt([]byte("-lost"), 6)

	synced, size, ok := fs.GetFileState("/db/seg")
	if !ok || synced != 6 || size != 11 {
		t.Fatalf("GetFileState = (%d, %d, %v), want (6, 11, true)", synced, size, ok)
	}

	if err := fs.DropUnsyncedData(); err != nil {
		t.Fatalf("DropUnsyncedData failed: %v", err)
	}
	g, _ := mem.OpenFile("/db/seg")
	if n, _ := g.Size(); n != 6 {
		t.Errorf("size after crash = %d, want 6", n)
	}
}

func TestFaultInjectionFS_InjectedErrors(t *testing.T) {
	mem := mustMkdir(t, NewMemFS(), "/db")
	fs := NewFaultInjectionFS(mem)

	f, _ := fs.Create("/db/seg")

	fs.InjectWriteError("")
	if _, err := f.WriteAt([]byte("x"), 0); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("WriteAt error = %v, want ErrInjectedWriteError", err)
	}
	fs.ClearErrors()

	fs.InjectSyncError()
	if err := f.Sync(); !errors.Is(err, ErrInjectedSyncError) {
		t.Errorf("Sync error = %v, want ErrInjectedSyncError", err)
	}
	fs.ClearErrors()

	fs.InjectReadError("/db/seg")
	if _, err := f.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrInjectedReadError) {
		t.Errorf("ReadAt error = %v, want ErrInjectedReadError", err)
	}
	fs.ClearErrors()

	fs.SetFilesystemActive(false)
	if _, err := fs.Create("/db/other"); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Create on inactive fs error = %v, want ErrInjectedWriteError", err)
	}
}

func TestFaultInjectionFS_WriteErrorAfter(t *testing.T) {
	mem := mustMkdir(t, NewMemFS(), "/db")
	fs := NewFaultInjectionFS(mem)
	f, _ := fs.Create("/db/seg")

	fs.InjectWriteErrorAfter("/db/seg", 2)
	for i := range 2 {
		if _, err := f.WriteAt([]byte("x"), int64(i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := f.WriteAt([]byte("x"), 2); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("third WriteAt error = %v, want ErrInjectedWriteError", err)
	}
	if err := f.Truncate(1); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Truncate error = %v, want ErrInjectedWriteError", err)
	}
	fs.ClearErrors()
	if _, err := f.WriteAt([]byte("x"), 2); err != nil {
		t.Errorf("WriteAt after ClearErrors: %v", err)
	}
}

func TestFaultInjectionFS_ShortWrite(t *testing.T) {
	mem := mustMkdir(t, NewMemFS(), "/db")
	fs := NewFaultInjectionFS(mem)
	f, _ := fs.Create("/db/seg")

	fs.InjectShortWrite("")
	n, err := f.WriteAt([]byte("abcdef"), 0)
	if !errors.Is(err, ErrInjectedWriteError) || n != 3 {
		t.Fatalf("WriteAt = %d, %v; want 3, ErrInjectedWriteError", n, err)
	}
	if size, _ := f.Size(); size != 3 {
		t.Errorf("size after short write = %d, want 3", size)
	}
	if _, size, _ := fs.GetFileState("/db/seg"); size != 3 {
		t.Errorf("tracked size = %d, want 3", size)
	}

	// One shot: the next write is whole.
	if n, err := f.WriteAt([]byte("abcdef"), 0); err != nil || n != 6 {
		t.Errorf("second WriteAt = %d, %v; want 6, nil", n, err)
	}
}
