package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/vfs"
)

func openMem(t *testing.T, fs vfs.FS, size int64) *Allocator {
	t.Helper()
	a, _, err := Open(fs, "/db", Options{SegmentSize: size, Logger: logging.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func memFS(t *testing.T) vfs.FS {
	t.Helper()
	fs := vfs.NewMemFS()
	require.NoError(t, fs.MkdirAll("/db", 0755))
	return fs
}

func TestOpen_FreshDirectory(t *testing.T) {
	fs := memFS(t)
	a, created, err := Open(fs, "/db", Options{CatalogueSize: 32, Logger: logging.Discard})
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, created)
	assert.EqualValues(t, 0, a.Primary().Ordinal())
	assert.EqualValues(t, 32, a.Primary().Length())
	assert.EqualValues(t, 1, a.Active().Ordinal())
	assert.True(t, fs.Exists("/db/000000.seg"))
	assert.True(t, fs.Exists("/db/000001.seg"))

	require.Len(t, a.Segments(), 1, "the primary segment is not a data segment")
	assert.Empty(t, a.SegmentsByUtility(), "the active segment is never a candidate")
}

func TestMaybeRoll_Threshold(t *testing.T) {
	a := openMem(t, memFS(t), 1024)

	for a.Active().Length() < 1024 {
		require.NoError(t, a.MaybeRoll())
		_, err := a.Active().Append(make([]byte, 100))
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, a.Active().Ordinal())

	require.NoError(t, a.MaybeRoll())
	assert.EqualValues(t, 2, a.Active().Ordinal())

	off, err := a.Active().Append([]byte("x"))
	require.NoError(t, err)
	addr := a.AddressOf(a.Active(), off)
	assert.EqualValues(t, 2, addr.Ordinal())

	seg, got, err := a.Translate(addr)
	require.NoError(t, err)
	assert.Same(t, a.Active(), seg)
	assert.Equal(t, off, got)
}

func TestTranslate_Unknown(t *testing.T) {
	a := openMem(t, memFS(t), 0)
	_, _, err := a.Translate(dbformat.MakeAddress(9, 16))
	assert.ErrorIs(t, err, dbformat.ErrCorruption)
	_, _, err = a.Translate(dbformat.MakeAddress(0, 16))
	assert.ErrorIs(t, err, dbformat.ErrCorruption, "the primary segment holds no records")
}

func TestRemoveSegment(t *testing.T) {
	fs := memFS(t)
	a := openMem(t, fs, 0)
	_, err := a.AddSegment()
	require.NoError(t, err)

	assert.ErrorIs(t, a.RemoveSegment(0), ErrPrimarySegment)
	assert.ErrorIs(t, a.RemoveSegment(2), ErrActiveSegment)
	assert.ErrorIs(t, a.RemoveSegment(7), ErrUnknownSegment)

	require.NoError(t, a.RemoveSegment(1))
	assert.False(t, fs.Exists("/db/000001.seg"))

	seg, err := a.AddSegment()
	require.NoError(t, err)
	assert.EqualValues(t, 3, seg.Ordinal(), "ordinals are never reused")
}

func TestSegmentsByUtility(t *testing.T) {
	a := openMem(t, memFS(t), 0)
	for i := 0; i < 3; i++ {
		_, err := a.Active().Append(make([]byte, 84))
		require.NoError(t, err)
		_, err = a.AddSegment()
		require.NoError(t, err)
	}
	s1, _ := a.Segment(1)
	s2, _ := a.Segment(2)
	s3, _ := a.Segment(3)
	s1.MarkGarbage(16, 10)
	s2.MarkGarbage(16, 60)

	got := a.SegmentsByUtility()
	require.Len(t, got, 3)
	assert.Same(t, s2, got[0])
	assert.Same(t, s1, got[1])
	assert.Same(t, s3, got[2])
	for _, s := range got {
		assert.NotSame(t, a.Active(), s)
	}
}

func TestOpen_RebuildsOrdinalMapFromHeaders(t *testing.T) {
	fs := memFS(t)
	a, _, err := Open(fs, "/db", Options{Logger: logging.Discard})
	require.NoError(t, err)
	a.AddSegment()
	a.AddSegment()
	require.NoError(t, a.Flush())
	a.Close()

	// File names do not matter, only the header tags.
	require.NoError(t, fs.Rename("/db/000003.seg", "/db/a.seg"))
	require.NoError(t, fs.Rename("/db/000001.seg", "/db/z.seg"))

	a, created, err := Open(fs, "/db", Options{Logger: logging.Discard})
	require.NoError(t, err)
	defer a.Close()
	assert.False(t, created)
	assert.EqualValues(t, 3, a.Active().Ordinal())
	s1, ok := a.Segment(1)
	require.True(t, ok)
	assert.Equal(t, "/db/z.seg", s1.Name())
}

func TestOpen_DuplicateOrdinal(t *testing.T) {
	fs := memFS(t)
	a, _, err := Open(fs, "/db", Options{Logger: logging.Discard})
	require.NoError(t, err)
	a.Close()

	src, _ := fs.OpenFile("/db/000001.seg")
	buf := make([]byte, dbformat.SegmentHeaderSize)
	src.ReadAt(buf, 0)
	src.Close()
	dup, _ := fs.Create("/db/000009.seg")
	dup.WriteAt(buf, 0)
	dup.Close()

	_, _, err = Open(fs, "/db", Options{Logger: logging.Discard})
	assert.ErrorIs(t, err, dbformat.ErrCorruption)
}

func TestOpen_MissingPrimary(t *testing.T) {
	fs := memFS(t)
	a, _, err := Open(fs, "/db", Options{Logger: logging.Discard})
	require.NoError(t, err)
	a.Close()
	require.NoError(t, fs.Remove("/db/000000.seg"))

	_, _, err = Open(fs, "/db", Options{Logger: logging.Discard})
	assert.ErrorIs(t, err, dbformat.ErrCorruption)
}
