package record

import (
	"fmt"

	"github.com/aalhour/segdb/internal/btree"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/segment"
	"github.com/aalhour/segdb/keyformat"
)

// Log is the address space the codec reads and appends through.
type Log interface {
	// MaybeRoll starts a new active segment when the current one has
	// reached its size threshold.
	MaybeRoll() error

	// Active returns the segment receiving appends.
	Active() *segment.Segment

	// Translate maps an address to its segment and offset.
	Translate(addr dbformat.Address) (*segment.Segment, int64, error)
}

// Record is a record read back from the log.
type Record struct {
	Addr    dbformat.Address
	Header  Header
	Payload []byte
}

// Codec reads and writes records at logical addresses.
type Codec struct {
	log Log
	kf  keyformat.Format
}

// NewCodec returns a codec over log using kf for node keys.
func NewCodec(log Log, kf keyformat.Format) *Codec {
	return &Codec{log: log, kf: kf}
}

// WriteRecord appends a data record at the end of the active segment.
func (c *Codec) WriteRecord(payload []byte) (dbformat.Address, error) {
	if len(payload) == 0 {
		return dbformat.NilAddress, ErrEmptyPayload
	}
	return c.append(0, payload)
}

// WriteNode appends n as an index node record. root sets the root flag.
func (c *Codec) WriteNode(n *btree.Node, root bool) (dbformat.Address, error) {
	return c.append(NodeFlags(n, root), AppendNode(nil, c.kf, n))
}

func (c *Codec) append(flags dbformat.Flags, body []byte) (dbformat.Address, error) {
	if err := c.log.MaybeRoll(); err != nil {
		return dbformat.NilAddress, err
	}
	seg := c.log.Active()
	buf := make([]byte, dbformat.RecordHeaderSize+len(body))
	EncodeHeader(buf, Header{Flags: flags, Length: uint64(len(body))})
	copy(buf[dbformat.RecordHeaderSize:], body)

	off, err := seg.Append(buf)
	if err != nil {
		return dbformat.NilAddress, err
	}
	return dbformat.MakeAddress(seg.Ordinal(), off), nil
}

// ReadHeaderAt reads and validates the header at off in seg.
func ReadHeaderAt(seg *segment.Segment, off int64) (Header, error) {
	if off < seg.DataStart() || off+dbformat.RecordHeaderSize > seg.Length() {
		return Header{}, fmt.Errorf("%w: record header at %d:%d outside segment of %d bytes",
			dbformat.ErrCorruption, seg.Ordinal(), off, seg.Length())
	}
	var buf [dbformat.RecordHeaderSize]byte
	if _, err := seg.ReadAt(buf[:], off); err != nil {
		return Header{}, err
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return Header{}, fmt.Errorf("%w: record at %d:%d: %w", dbformat.ErrCorruption, seg.Ordinal(), off, err)
	}
	if h.Length > uint64(seg.Length()-off-dbformat.RecordHeaderSize) {
		return Header{}, fmt.Errorf("%w: record at %d:%d overruns segment of %d bytes",
			dbformat.ErrCorruption, seg.Ordinal(), off, seg.Length())
	}
	return h, nil
}

// ReadRecordAt reads the record at addr.
func (c *Codec) ReadRecordAt(addr dbformat.Address) (Record, error) {
	seg, off, err := c.log.Translate(addr)
	if err != nil {
		return Record{}, err
	}
	h, err := ReadHeaderAt(seg, off)
	if err != nil {
		return Record{}, err
	}
	payload := make([]byte, h.Length)
	if _, err := seg.ReadAt(payload, off+dbformat.RecordHeaderSize); err != nil {
		return Record{}, err
	}
	return Record{Addr: addr, Header: h, Payload: payload}, nil
}

// ReadNode reads and decodes the index node at addr.
func (c *Codec) ReadNode(addr dbformat.Address) (*btree.Node, error) {
	rec, err := c.ReadRecordAt(addr)
	if err != nil {
		return nil, err
	}
	if !rec.Header.IsNode() {
		return nil, fmt.Errorf("%w: %w at %v", dbformat.ErrCorruption, ErrNotIndexNode, addr)
	}
	n, err := DecodeNode(rec.Payload, c.kf, rec.Header.Flags.Has(dbformat.FlagLeaf))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", addr, err)
	}
	return n, nil
}

// MarkGarbage flips the garbage flag of the record at addr in place and
// charges its size to the segment's garbage counter. It returns the bytes
// charged, which is 0 when the record was already garbage.
func (c *Codec) MarkGarbage(addr dbformat.Address) (int64, error) {
	seg, off, err := c.log.Translate(addr)
	if err != nil {
		return 0, err
	}
	h, err := ReadHeaderAt(seg, off)
	if err != nil {
		return 0, err
	}
	if h.IsGarbage() {
		return 0, nil
	}
	flag := [1]byte{byte(h.Flags | dbformat.FlagGarbage)}
	if _, err := seg.WriteAt(flag[:], off); err != nil {
		return 0, err
	}
	seg.MarkGarbage(off, h.Size())
	return h.Size(), nil
}
