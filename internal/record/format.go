// Package record encodes and decodes the records stored in segments.
//
// A record is a 9-byte header (flag byte, 8-byte little-endian payload
// length) followed by its payload. The payload of a data record is opaque.
// The payload of an index node record is:
//
//	entry count    uint32
//	entries        count x (key per key format, pointer uint64)
//	children       (count+1) x (address uint64, entry count uint32), internal only
//
// Separator entries of internal nodes are written with a zero pointer. The
// header length always equals the encoded body span, so a scan can skip a
// record without decoding it.
package record

import (
	"errors"
	"fmt"

	"github.com/aalhour/segdb/internal/btree"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/encoding"
	"github.com/aalhour/segdb/keyformat"
)

var (
	// ErrInvalidFlags is returned for a header with undefined flag bits.
	ErrInvalidFlags = errors.New("record: invalid flags")

	// ErrNotIndexNode is returned when a node read hits a data record.
	ErrNotIndexNode = errors.New("record: not an index node")

	// ErrEmptyPayload is returned when writing an empty data record. A zero
	// header marks unwritten space, so data payloads must be non-empty.
	ErrEmptyPayload = errors.New("record: empty payload")
)

const (
	entryCountSize = 4
	pointerSize    = 8
	childSize      = 8 + 4
)

// Header is the fixed record header.
type Header struct {
	Flags  dbformat.Flags
	Length uint64
}

// Size returns the full on-disk size of the record.
func (h Header) Size() int64 {
	return dbformat.RecordHeaderSize + int64(h.Length)
}

// IsNode reports whether the record holds an index node.
func (h Header) IsNode() bool { return h.Flags.Has(dbformat.FlagIndexNode) }

// IsGarbage reports whether the record has been marked garbage.
func (h Header) IsGarbage() bool { return h.Flags.Has(dbformat.FlagGarbage) }

// zero reports whether h is an all-zero header, which only appears in space
// that was never written.
func (h Header) zero() bool { return h.Flags == 0 && h.Length == 0 }

// EncodeHeader writes h into dst.
// REQUIRES: len(dst) >= dbformat.RecordHeaderSize.
func EncodeHeader(dst []byte, h Header) {
	dst[0] = byte(h.Flags)
	encoding.EncodeFixed64(dst[1:], h.Length)
}

// DecodeHeader decodes a header from src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < dbformat.RecordHeaderSize {
		return Header{}, encoding.ErrBufferTooSmall
	}
	h := Header{
		Flags:  dbformat.Flags(src[0]),
		Length: encoding.DecodeFixed64(src[1:]),
	}
	if !h.Flags.Valid() {
		return h, fmt.Errorf("%w: %#x", ErrInvalidFlags, src[0])
	}
	return h, nil
}

// NodeFlags returns the header flags for an index node record.
func NodeFlags(n *btree.Node, root bool) dbformat.Flags {
	f := dbformat.FlagIndexNode
	if n.Leaf {
		f |= dbformat.FlagLeaf
	}
	if root {
		f |= dbformat.FlagRoot
	}
	return f
}

// AppendNode appends the encoded body of n to dst.
func AppendNode(dst []byte, kf keyformat.Format, n *btree.Node) []byte {
	dst = encoding.AppendFixed32(dst, uint32(len(n.Entries)))
	for _, e := range n.Entries {
		dst = kf.AppendKey(dst, e.Key)
		if n.Leaf {
			dst = encoding.AppendFixed64(dst, uint64(e.Value))
		} else {
			dst = encoding.AppendFixed64(dst, 0)
		}
	}
	if !n.Leaf {
		for _, c := range n.Children {
			dst = encoding.AppendFixed64(dst, uint64(c.Addr))
			dst = encoding.AppendFixed32(dst, c.Count)
		}
	}
	return dst
}

// DecodeNode decodes a node body. The body must be consumed exactly. Keys
// alias src.
func DecodeNode(src []byte, kf keyformat.Format, leaf bool) (*btree.Node, error) {
	s := encoding.NewSlice(src)
	count, ok := s.GetFixed32()
	if !ok {
		return nil, corruptNode("missing entry count")
	}
	// Every entry takes at least its pointer; reject counts the body cannot
	// hold before allocating.
	if uint64(count)*pointerSize > uint64(s.Remaining()) {
		return nil, corruptNode("entry count %d exceeds body of %d bytes", count, len(src))
	}

	n := &btree.Node{Leaf: leaf, Entries: make([]btree.Entry, count)}
	for i := range n.Entries {
		key, used, err := kf.DecodeKey(s.Data())
		if err != nil {
			return nil, corruptNode("entry %d: %v", i, err)
		}
		s.Advance(used)
		ptr, ok := s.GetFixed64()
		if !ok {
			return nil, corruptNode("entry %d: missing pointer", i)
		}
		n.Entries[i] = btree.Entry{Key: key, Value: dbformat.Address(ptr)}
	}

	if !leaf {
		if uint64(count+1)*childSize != uint64(s.Remaining()) {
			return nil, corruptNode("%d bytes for %d children", s.Remaining(), count+1)
		}
		n.Children = make([]btree.Child, count+1)
		for i := range n.Children {
			addr, _ := s.GetFixed64()
			cnt, _ := s.GetFixed32()
			n.Children[i] = btree.Child{Addr: dbformat.Address(addr), Count: cnt}
		}
	}
	if s.Remaining() != 0 {
		return nil, corruptNode("%d trailing bytes", s.Remaining())
	}
	return n, nil
}

func corruptNode(format string, args ...any) error {
	return fmt.Errorf("%w: index node: %s", dbformat.ErrCorruption, fmt.Sprintf(format, args...))
}
