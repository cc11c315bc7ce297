// Package allocator maps logical addresses onto segments and manages the
// segment lifecycle.
//
// The primary segment (ordinal 0) holds the catalogue and nothing else. Data
// segments get ordinals 1, 2, ... in creation order; the active segment is
// always the one with the highest ordinal, so a removed ordinal is never
// handed out again and addresses stay globally ordered.
//
// An Allocator is owned by one controller and is not safe for concurrent
// mutation.
package allocator

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/segment"
	"github.com/aalhour/segdb/internal/vfs"
)

var (
	// ErrActiveSegment is returned when removing the active segment.
	ErrActiveSegment = errors.New("allocator: cannot remove the active segment")

	// ErrPrimarySegment is returned when removing the primary segment.
	ErrPrimarySegment = errors.New("allocator: cannot remove the primary segment")

	// ErrUnknownSegment is returned for an ordinal with no segment.
	ErrUnknownSegment = errors.New("allocator: unknown segment")

	// ErrOrdinalsExhausted is returned when no ordinal is left for a new
	// segment.
	ErrOrdinalsExhausted = errors.New("allocator: segment ordinals exhausted")
)

// Options configures an Allocator.
type Options struct {
	// SegmentSize is the active-segment length at which a new segment is
	// started. Records never straddle segments, so a segment may exceed it by
	// one record.
	SegmentSize int64

	// CatalogueSize is the reserved region written when the primary segment
	// is created.
	CatalogueSize int64

	Logger logging.Logger
}

// Allocator owns the segments of one database directory.
type Allocator struct {
	fs     vfs.FS
	dir    string
	opts   Options
	logger logging.Logger

	segments map[uint16]*segment.Segment
	primary  *segment.Segment
	active   *segment.Segment
}

// Open loads every segment file in dir, keyed by the ordinal tag in its
// header. A missing primary segment is created, as is a first data segment.
// created reports whether the primary segment was new.
func Open(fs vfs.FS, dir string, opts Options) (*Allocator, bool, error) {
	a := &Allocator{
		fs:       fs,
		dir:      dir,
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger),
		segments: make(map[uint16]*segment.Segment),
	}
	created, err := a.load()
	if err != nil {
		_ = a.Close()
		return nil, false, err
	}
	return a, created, nil
}

func (a *Allocator) load() (created bool, err error) {
	names, err := a.fs.ListDir(a.dir)
	if err != nil {
		return false, dbformat.StorageError("list "+a.dir, err)
	}
	for _, name := range names {
		if !segment.IsSegmentFile(name) {
			continue
		}
		seg, err := segment.Open(a.fs, filepath.Join(a.dir, name))
		if err != nil {
			return false, err
		}
		if prev, dup := a.segments[seg.Ordinal()]; dup {
			_ = seg.Close()
			return false, fmt.Errorf("%w: segment ordinal %d in both %s and %s",
				dbformat.ErrCorruption, seg.Ordinal(), prev.Name(), name)
		}
		a.segments[seg.Ordinal()] = seg
	}

	if p, ok := a.segments[dbformat.PrimaryOrdinal]; ok {
		a.primary = p
	} else {
		if len(a.segments) > 0 {
			return false, fmt.Errorf("%w: data segments without a primary segment", dbformat.ErrCorruption)
		}
		p, err := a.create(dbformat.PrimaryOrdinal, max(a.opts.CatalogueSize, dbformat.SegmentHeaderSize))
		if err != nil {
			return false, err
		}
		a.primary = p
		created = true
	}

	if last := a.maxOrdinal(); last != dbformat.PrimaryOrdinal {
		a.active = a.segments[last]
	} else if _, err := a.AddSegment(); err != nil {
		return false, err
	}
	if err := a.fs.SyncDir(a.dir); err != nil {
		return false, dbformat.StorageError("sync "+a.dir, err)
	}
	return created, nil
}

func (a *Allocator) create(ordinal uint16, reserved int64) (*segment.Segment, error) {
	seg, err := segment.Create(a.fs, filepath.Join(a.dir, segment.FileName(ordinal)), ordinal, reserved)
	if err != nil {
		return nil, err
	}
	a.segments[ordinal] = seg
	return seg, nil
}

func (a *Allocator) maxOrdinal() uint16 {
	var m uint16
	for ord := range a.segments {
		m = max(m, ord)
	}
	return m
}

// Primary returns the catalogue segment.
func (a *Allocator) Primary() *segment.Segment { return a.primary }

// Active returns the segment receiving appends.
func (a *Allocator) Active() *segment.Segment { return a.active }

// Segment returns the segment with the given ordinal.
func (a *Allocator) Segment(ordinal uint16) (*segment.Segment, bool) {
	s, ok := a.segments[ordinal]
	return s, ok
}

// Translate maps addr to its segment and offset.
func (a *Allocator) Translate(addr dbformat.Address) (*segment.Segment, int64, error) {
	seg, ok := a.segments[addr.Ordinal()]
	if !ok || addr.Ordinal() == dbformat.PrimaryOrdinal {
		return nil, 0, fmt.Errorf("%w: address %v names no data segment", dbformat.ErrCorruption, addr)
	}
	return seg, addr.Offset(), nil
}

// AddressOf is the inverse of Translate.
func (a *Allocator) AddressOf(seg *segment.Segment, off int64) dbformat.Address {
	return dbformat.MakeAddress(seg.Ordinal(), off)
}

// AddSegment creates a new data segment and makes it active. The previous
// active segment is sealed.
func (a *Allocator) AddSegment() (*segment.Segment, error) {
	last := a.maxOrdinal()
	if last == dbformat.MaxOrdinal {
		return nil, ErrOrdinalsExhausted
	}
	seg, err := a.create(last+1, dbformat.SegmentHeaderSize)
	if err != nil {
		return nil, err
	}
	if err := a.fs.SyncDir(a.dir); err != nil {
		return nil, dbformat.StorageError("sync "+a.dir, err)
	}
	if a.active != nil {
		a.logger.Infof(logging.NSAlloc+"sealed segment %d at %d bytes, segment %d is active",
			a.active.Ordinal(), a.active.Length(), seg.Ordinal())
	}
	a.active = seg
	return seg, nil
}

// MaybeRoll adds a segment when the active one has reached the configured
// size.
func (a *Allocator) MaybeRoll() error {
	if a.opts.SegmentSize <= 0 || a.active.Length() < a.opts.SegmentSize {
		return nil
	}
	_, err := a.AddSegment()
	return err
}

// RemoveSegment closes and deletes a sealed data segment.
func (a *Allocator) RemoveSegment(ordinal uint16) error {
	if ordinal == dbformat.PrimaryOrdinal {
		return ErrPrimarySegment
	}
	seg, ok := a.segments[ordinal]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSegment, ordinal)
	}
	if seg == a.active {
		return ErrActiveSegment
	}
	name := seg.Name()
	if err := seg.Close(); err != nil {
		return dbformat.StorageError("close "+name, err)
	}
	delete(a.segments, ordinal)
	if err := a.fs.Remove(name); err != nil {
		return dbformat.StorageError("remove "+name, err)
	}
	if err := a.fs.SyncDir(a.dir); err != nil {
		return dbformat.StorageError("sync "+a.dir, err)
	}
	a.logger.Infof(logging.NSAlloc+"removed segment %d", ordinal)
	return nil
}

// Segments returns the data segments in ordinal order.
func (a *Allocator) Segments() []*segment.Segment {
	out := make([]*segment.Segment, 0, len(a.segments))
	for ord, s := range a.segments {
		if ord != dbformat.PrimaryOrdinal {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(x, y *segment.Segment) int {
		return int(x.Ordinal()) - int(y.Ordinal())
	})
	return out
}

// SegmentsByUtility returns the sealed data segments in ascending utility
// order, ties broken by ordinal. The active and primary segments are never
// included.
func (a *Allocator) SegmentsByUtility() []*segment.Segment {
	out := a.Segments()
	out = slices.DeleteFunc(out, func(s *segment.Segment) bool { return s == a.active })
	slices.SortStableFunc(out, func(x, y *segment.Segment) int {
		ux, uy := x.Utility(), y.Utility()
		switch {
		case ux < uy:
			return -1
		case ux > uy:
			return 1
		}
		return 0
	})
	return out
}

// Flush syncs every segment written since the last flush, data segments
// first and the primary segment last.
func (a *Allocator) Flush() error {
	for _, s := range a.Segments() {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return a.primary.Flush()
}

// Close closes every segment without syncing.
func (a *Allocator) Close() error {
	var first error
	for ord, s := range a.segments {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(a.segments, ord)
	}
	return first
}
