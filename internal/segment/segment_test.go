package segment

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/vfs"
)

func newMemSegment(t *testing.T, ordinal uint16) (vfs.FS, *Segment) {
	t.Helper()
	fs := vfs.NewMemFS()
	if err := fs.MkdirAll("/db", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	s, err := Create(fs, "/db/"+FileName(ordinal), ordinal, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return fs, s
}

func TestSegment_CreateWritesHeader(t *testing.T) {
	fs, s := newMemSegment(t, 7)
	defer s.Close()

	if s.Length() != dbformat.SegmentHeaderSize {
		t.Errorf("Length() = %d, want %d", s.Length(), dbformat.SegmentHeaderSize)
	}
	if s.Position() != s.DataStart() {
		t.Errorf("Position() = %d, want data start %d", s.Position(), s.DataStart())
	}
	ord, err := ReadOrdinal(fs, "/db/000007.seg")
	if err != nil || ord != 7 {
		t.Errorf("ReadOrdinal = %d, %v; want 7", ord, err)
	}
}

func TestSegment_CursorReadWrite(t *testing.T) {
	_, s := newMemSegment(t, 1)
	defer s.Close()

	off, err := s.Append([]byte("hello"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if off != 16 || s.Length() != 21 || s.Position() != 21 {
		t.Fatalf("after Append: off=%d length=%d pos=%d", off, s.Length(), s.Position())
	}

	if err := s.Seek(off); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	got, err := s.Read(5)
	if err != nil || string(got) != "hello" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	if s.Position() != 21 {
		t.Errorf("Position() = %d after read, want 21", s.Position())
	}

	// Reading past the append boundary is a storage fault.
	if _, err := s.Read(1); !errors.Is(err, dbformat.ErrStorage) {
		t.Errorf("Read past end error = %v, want ErrStorage", err)
	}
	if err := s.Seek(22); !errors.Is(err, ErrSeekOutOfRange) {
		t.Errorf("Seek past end error = %v, want ErrSeekOutOfRange", err)
	}

	// In-place patch does not move the boundary.
	if _, err := s.WriteAt([]byte("J"), 16); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := s.ReadAt(buf, 16); err != nil || string(buf) != "Jello" {
		t.Errorf("ReadAt = %q, %v", buf, err)
	}
	if s.Length() != 21 {
		t.Errorf("Length() = %d after patch, want 21", s.Length())
	}
}

func TestSegment_Utility(t *testing.T) {
	_, s := newMemSegment(t, 1)
	defer s.Close()

	if _, err := s.Append(make([]byte, 84)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if u := s.Utility(); u != 1 {
		t.Errorf("Utility() = %v, want 1", u)
	}
	s.MarkGarbage(16, 50)
	if u := s.Utility(); u != 0.5 {
		t.Errorf("Utility() = %v, want 0.5", u)
	}
	// The header is never garbage.
	s.MarkGarbage(0, 16)
	if s.Garbage() != 50 {
		t.Errorf("Garbage() = %d, want 50", s.Garbage())
	}

	empty := &Segment{}
	if u := empty.Utility(); u != 0 {
		t.Errorf("empty Utility() = %v, want 0", u)
	}
}

func TestSegment_FlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	name := filepath.Join(dir, FileName(3))

	s, err := Create(fs, name, 3, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Append([]byte("payload")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !s.Dirty() {
		t.Error("segment should be dirty after Append")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if s.Dirty() {
		t.Error("segment should be clean after Flush")
	}
	s.Close()

	s, err = Open(fs, name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if s.Ordinal() != 3 || s.Length() != 23 {
		t.Errorf("reopened ordinal=%d length=%d, want 3, 23", s.Ordinal(), s.Length())
	}
}

func TestSegment_Truncate(t *testing.T) {
	_, s := newMemSegment(t, 1)
	defer s.Close()

	s.Append([]byte("0123456789"))
	if err := s.Truncate(20); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if s.Length() != 20 || s.Position() != 20 {
		t.Errorf("after Truncate length=%d pos=%d, want 20, 20", s.Length(), s.Position())
	}
	if err := s.Truncate(8); err == nil {
		t.Error("Truncate into the header should fail")
	}
}

func TestSegment_OpenShortFile(t *testing.T) {
	fs := vfs.NewMemFS()
	fs.MkdirAll("/db", 0755)
	f, _ := fs.Create("/db/000001.seg")
	f.WriteAt([]byte{1, 0, 0}, 0)
	f.Close()

	if _, err := Open(fs, "/db/000001.seg"); !errors.Is(err, dbformat.ErrCorruption) {
		t.Errorf("Open(short) error = %v, want ErrCorruption", err)
	}
}

func TestFileName(t *testing.T) {
	if got := FileName(42); got != "000042.seg" {
		t.Errorf("FileName(42) = %q", got)
	}
	if !IsSegmentFile("000042.seg") || IsSegmentFile("LOCK") || IsSegmentFile(".seg") {
		t.Error("IsSegmentFile misclassified a name")
	}
}

func TestSegment_FailedAppendRollsBack(t *testing.T) {
	for _, short := range []bool{false, true} {
		fs := vfs.NewFaultInjectionFS(vfs.NewMemFS())
		if err := fs.MkdirAll("/db", 0755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		name := "/db/" + FileName(1)
		s, err := Create(fs, name, 1, 0)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		first, err := s.Append([]byte("first"))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		end := s.Length()

		if short {
			fs.InjectShortWrite(name)
		} else {
			fs.InjectWriteError(name)
		}
		if _, err := s.Append([]byte("broken record")); !errors.Is(err, dbformat.ErrStorage) {
			t.Fatalf("short=%v: Append error = %v, want ErrStorage", short, err)
		}
		if s.Length() != end || s.Position() != end {
			t.Fatalf("short=%v: after failed Append length=%d pos=%d, want %d", short, s.Length(), s.Position(), end)
		}
		fs.ClearErrors()

		off, err := s.Append([]byte("next"))
		if err != nil {
			t.Fatalf("Append after fault: %v", err)
		}
		if off != end {
			t.Errorf("short=%v: next Append at %d, want %d", short, off, end)
		}
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		s, err = Open(fs, name)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if want := end + 4; s.Length() != want {
			t.Errorf("short=%v: reopened length = %d, want %d", short, s.Length(), want)
		}
		got := make([]byte, 4)
		if _, err := s.ReadAt(got, off); err != nil || string(got) != "next" {
			t.Errorf("short=%v: ReadAt = %q, %v", short, got, err)
		}
		if _, err := s.ReadAt(got[:1], first); err != nil || got[0] != 'f' {
			t.Errorf("short=%v: first record damaged: %q, %v", short, got[:1], err)
		}
		_ = s.Close()
	}
}
