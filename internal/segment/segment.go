// Package segment implements one physical backing region of the log.
//
// A Segment is an append-mostly byte store over a vfs.File with a stateful
// read/write cursor and a garbage-byte counter. The first 16 bytes are the
// segment header; the 2-byte ordinal tag at offset 0 gives the segment its
// identity across reopen, independent of the file name.
//
// A Segment is not safe for concurrent mutation. ReadAt may be called by
// concurrent readers as long as no writer is active.
package segment

import (
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/encoding"
	"github.com/aalhour/segdb/internal/vfs"
)

var (
	// ErrSeekOutOfRange is returned when seeking past the append boundary.
	ErrSeekOutOfRange = errors.New("segment: seek out of range")

	// ErrShortSegment is returned by Open when a file is smaller than a
	// segment header.
	ErrShortSegment = errors.New("segment: file shorter than header")

	// ErrClosed is returned by operations on a closed segment.
	ErrClosed = errors.New("segment: closed")
)

// Segment is one physical append-only byte region.
type Segment struct {
	file    vfs.File
	ordinal uint16

	length  int64 // append boundary
	pos     int64 // cursor
	garbage int64

	// dirty is set by any write and cleared by Flush.
	dirty  bool
	closed bool
}

// Create creates a new segment file with the given ordinal and a zeroed
// reserved region of reserved bytes (at least the segment header). The
// header is synced before Create returns.
func Create(fs vfs.FS, name string, ordinal uint16, reserved int64) (*Segment, error) {
	if reserved < dbformat.SegmentHeaderSize {
		reserved = dbformat.SegmentHeaderSize
	}
	f, err := fs.Create(name)
	if err != nil {
		return nil, dbformat.StorageError("create "+name, err)
	}
	hdr := make([]byte, reserved)
	encoding.EncodeFixed16(hdr[dbformat.HeaderOrdinalOffset:], ordinal)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, dbformat.StorageError("write header "+name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, dbformat.StorageError("sync header "+name, err)
	}
	return &Segment{
		file:    f,
		ordinal: ordinal,
		length:  reserved,
		pos:     reserved,
	}, nil
}

// Open opens an existing segment file and reads its ordinal tag. The cursor
// is placed at the data start. The garbage counter starts at zero; recovery
// rebuilds it by scanning.
func Open(fs vfs.FS, name string) (*Segment, error) {
	f, err := fs.OpenFile(name)
	if err != nil {
		return nil, dbformat.StorageError("open "+name, err)
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, dbformat.StorageError("stat "+name, err)
	}
	if size < dbformat.SegmentHeaderSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %w", dbformat.ErrCorruption, name, ErrShortSegment)
	}
	var tag [2]byte
	if _, err := f.ReadAt(tag[:], dbformat.HeaderOrdinalOffset); err != nil {
		_ = f.Close()
		return nil, dbformat.StorageError("read header "+name, err)
	}
	return &Segment{
		file:    f,
		ordinal: encoding.DecodeFixed16(tag[:]),
		length:  size,
		pos:     dbformat.SegmentHeaderSize,
	}, nil
}

// ReadOrdinal reads only the ordinal tag of the segment file at name.
func ReadOrdinal(fs vfs.FS, name string) (uint16, error) {
	f, err := fs.OpenFile(name)
	if err != nil {
		return 0, dbformat.StorageError("open "+name, err)
	}
	defer f.Close()
	var tag [2]byte
	if _, err := f.ReadAt(tag[:], dbformat.HeaderOrdinalOffset); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: %s: %w", dbformat.ErrCorruption, name, ErrShortSegment)
		}
		return 0, dbformat.StorageError("read header "+name, err)
	}
	return encoding.DecodeFixed16(tag[:]), nil
}

// Ordinal returns the segment's stable identity.
func (s *Segment) Ordinal() uint16 { return s.ordinal }

// Name returns the backing file name.
func (s *Segment) Name() string { return s.file.Name() }

// DataStart returns the offset of the first record.
func (s *Segment) DataStart() int64 { return dbformat.SegmentHeaderSize }

// Length returns the append boundary.
func (s *Segment) Length() int64 { return s.length }

// Position returns the cursor.
func (s *Segment) Position() int64 { return s.pos }

// Garbage returns the accumulated garbage-byte count.
func (s *Segment) Garbage() int64 { return s.garbage }

// Seek moves the cursor to pos, which must lie in [0, Length()].
func (s *Segment) Seek(pos int64) error {
	if pos < 0 || pos > s.length {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrSeekOutOfRange, pos, s.length)
	}
	s.pos = pos
	return nil
}

// Read reads exactly n bytes at the cursor and advances it.
func (s *Segment) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := s.ReadAt(buf, s.pos); err != nil {
		return nil, err
	}
	s.pos += int64(n)
	return buf, nil
}

// ReadAt reads len(p) bytes at off without touching the cursor. Reading
// past the append boundary is a storage fault.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > s.length {
		return 0, dbformat.StorageError(
			fmt.Sprintf("read segment %d [%d, %d)", s.ordinal, off, off+int64(len(p))),
			io.ErrUnexpectedEOF)
	}
	n, err := s.file.ReadAt(p, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
		return n, dbformat.StorageError(fmt.Sprintf("read segment %d at %d", s.ordinal, off), err)
	}
	return n, nil
}

// Write writes p at the cursor and advances it, extending the append
// boundary when the write reaches past it.
func (s *Segment) Write(p []byte) (int, error) {
	n, err := s.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// WriteAt writes p at off without touching the cursor. Writes may patch
// existing bytes or extend the segment, but may not leave a gap.
func (s *Segment) WriteAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 || off > s.length {
		return 0, fmt.Errorf("%w: write at %d, length %d", ErrSeekOutOfRange, off, s.length)
	}
	if off+int64(len(p)) > dbformat.MaxOffset {
		return 0, fmt.Errorf("segment %d: write at %d overflows the address space", s.ordinal, off)
	}
	n, err := s.file.WriteAt(p, off)
	if end := off + int64(n); end > s.length {
		s.length = end
	}
	if n > 0 {
		s.dirty = true
	}
	if err != nil {
		return n, dbformat.StorageError(fmt.Sprintf("write segment %d at %d", s.ordinal, off), err)
	}
	return n, nil
}

// Append writes p at the append boundary and returns its offset. The cursor
// ends up at the new boundary.
//
// A failed append leaves the boundary where it was: whatever part of p
// reached the file is cut off again, so the next append starts at the same
// offset and no fragment is ever followed by a record.
func (s *Segment) Append(p []byte) (int64, error) {
	off := s.length
	if err := s.Seek(off); err != nil {
		return 0, err
	}
	if _, err := s.Write(p); err != nil {
		s.length, s.pos = off, off
		if terr := s.file.Truncate(off); terr != nil {
			err = errors.Join(err, dbformat.StorageError(fmt.Sprintf("truncate segment %d", s.ordinal), terr))
		}
		return 0, err
	}
	return off, nil
}

// MarkGarbage adds n bytes at pos to the garbage counter. The bytes are not
// altered; flipping the record flag is the record codec's job.
func (s *Segment) MarkGarbage(pos, n int64) {
	if pos < s.DataStart() || n <= 0 {
		return
	}
	s.garbage += n
	if s.garbage > s.length {
		s.garbage = s.length
	}
}

// SetGarbage replaces the garbage counter. Used when recovery rebuilds it.
func (s *Segment) SetGarbage(n int64) {
	s.garbage = n
}

// Utility returns the live fraction of the segment: 1 - garbage/length, or
// 0 for an empty segment.
func (s *Segment) Utility() float64 {
	if s.length == 0 {
		return 0
	}
	return 1 - float64(s.garbage)/float64(s.length)
}

// Dirty reports whether the segment has unsynced writes.
func (s *Segment) Dirty() bool { return s.dirty }

// Flush syncs the segment to stable storage if it was written since the
// last flush.
func (s *Segment) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if !s.dirty {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return dbformat.StorageError(fmt.Sprintf("sync segment %d", s.ordinal), err)
	}
	s.dirty = false
	return nil
}

// Truncate cuts the segment at n, discarding a torn tail. The cursor is
// clamped to the new boundary.
func (s *Segment) Truncate(n int64) error {
	if n < dbformat.SegmentHeaderSize || n > s.length {
		return fmt.Errorf("%w: truncate to %d, length %d", ErrSeekOutOfRange, n, s.length)
	}
	if err := s.file.Truncate(n); err != nil {
		return dbformat.StorageError(fmt.Sprintf("truncate segment %d", s.ordinal), err)
	}
	s.length = n
	if s.pos > n {
		s.pos = n
	}
	s.dirty = true
	return nil
}

// Close closes the backing file without syncing.
func (s *Segment) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// FileName returns the canonical file name for a segment ordinal.
func FileName(ordinal uint16) string {
	return fmt.Sprintf("%06d.seg", ordinal)
}

// IsSegmentFile reports whether name looks like a segment file.
func IsSegmentFile(name string) bool {
	const suffix = ".seg"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
