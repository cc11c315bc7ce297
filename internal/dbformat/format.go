// Package dbformat defines the logical address space and the on-disk layout
// constants shared by every storage layer.
//
// Segment header (16 bytes, little-endian, start of every segment):
//
//	+0  ordinal      uint16
//	+2  degree       uint16  (primary segment only)
//	+4  index count  uint16  (primary segment only)
//	+6  root 0       uint64  (primary segment only)
//	+14 checksum     uint16  (primary segment only, see internal/checksum)
//
// The primary segment (ordinal 0) continues with one uint64 root address
// per additional index and holds no records.
//
// Record header (9 bytes): flags uint8, payload length uint64.
package dbformat

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the storage layers.
var (
	// ErrStorage wraps I/O failures on a segment. The engine does not retry.
	ErrStorage = errors.New("segdb: storage fault")

	// ErrCorruption reports on-disk state that cannot be trusted.
	ErrCorruption = errors.New("segdb: corruption detected")

	// ErrSchemaMismatch reports a catalogue whose degree or index count
	// disagrees with the configuration.
	ErrSchemaMismatch = errors.New("segdb: schema mismatch")
)

// StorageError wraps err as a storage fault while keeping the cause
// inspectable with errors.Is.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

const (
	// SegmentHeaderSize is the reserved header at the start of every segment.
	SegmentHeaderSize = 16

	// RecordHeaderSize is the flag byte plus the 8-byte payload length.
	RecordHeaderSize = 9

	// RootSlotSize is the size of one additional root pointer in the primary
	// segment's catalogue region.
	RootSlotSize = 8

	// PrimaryOrdinal is the ordinal of the catalogue segment.
	PrimaryOrdinal uint16 = 0

	// MaxOrdinal is the largest segment ordinal.
	MaxOrdinal uint16 = 1<<16 - 1

	// Segment header field offsets.
	HeaderOrdinalOffset  = 0
	HeaderDegreeOffset   = 2
	HeaderIndexesOffset  = 4
	HeaderRootOffset     = 6
	HeaderChecksumOffset = 14
)

// CatalogueSize returns the size of the primary segment's reserved region for
// the given number of indexes.
func CatalogueSize(indexes int) int64 {
	if indexes < 1 {
		indexes = 1
	}
	return SegmentHeaderSize + int64(indexes-1)*RootSlotSize
}

// -----------------------------------------------------------------------------
// Logical addresses
// -----------------------------------------------------------------------------

const (
	offsetBits = 48

	// MaxOffset is the largest intra-segment offset.
	MaxOffset = 1<<offsetBits - 1
)

// Address is a logical pointer: segment ordinal in the high 16 bits and the
// intra-segment offset in the low 48 bits. Addresses order globally because
// ordinals are assigned in increasing order.
type Address uint64

// NilAddress never names a record: offset 0 of the primary segment is the
// segment header.
const NilAddress Address = 0

// MakeAddress builds an address. off must not exceed MaxOffset.
func MakeAddress(ordinal uint16, off int64) Address {
	return Address(uint64(ordinal)<<offsetBits | uint64(off)&MaxOffset)
}

// Ordinal returns the segment ordinal of a.
func (a Address) Ordinal() uint16 {
	return uint16(a >> offsetBits)
}

// Offset returns the intra-segment offset of a.
func (a Address) Offset() int64 {
	return int64(a & MaxOffset)
}

// IsNil reports whether a is the nil address.
func (a Address) IsNil() bool {
	return a == NilAddress
}

// String formats a as ordinal:offset.
func (a Address) String() string {
	return fmt.Sprintf("%d:%d", a.Ordinal(), a.Offset())
}

// -----------------------------------------------------------------------------
// Record flags
// -----------------------------------------------------------------------------

// Flags is the record header flag byte.
type Flags uint8

const (
	// FlagGarbage marks a record whose space may be reclaimed.
	FlagGarbage Flags = 1 << iota
	// FlagIndexNode marks a serialized B+Tree node.
	FlagIndexNode
	// FlagLeaf marks a leaf node. Only meaningful with FlagIndexNode.
	FlagLeaf
	// FlagRoot marks a node written as a tree root. Only meaningful with
	// FlagIndexNode.
	FlagRoot

	knownFlags = FlagGarbage | FlagIndexNode | FlagLeaf | FlagRoot
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Valid reports whether f only uses defined bits and leaf/root appear only on
// index nodes.
func (f Flags) Valid() bool {
	if f&^knownFlags != 0 {
		return false
	}
	if !f.Has(FlagIndexNode) && f&(FlagLeaf|FlagRoot) != 0 {
		return false
	}
	return true
}

// String lists the set flags.
func (f Flags) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f.Has(FlagIndexNode) {
		add("node")
	} else {
		add("data")
	}
	if f.Has(FlagLeaf) {
		add("leaf")
	}
	if f.Has(FlagRoot) {
		add("root")
	}
	if f.Has(FlagGarbage) {
		add("garbage")
	}
	return s
}
