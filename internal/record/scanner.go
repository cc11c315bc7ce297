package record

import (
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/segment"
)

// Scanner walks the records of one segment from its data start.
//
// Every header is bounds-checked against the segment length before it is
// trusted. The first record that does not fit, carries undefined flags, or
// is an all-zero header ends the scan; its offset is reported by TornAt and
// everything from there on is treated as never written.
//
//	s := record.NewScanner(seg)
//	for s.Next() {
//	    rec := s.Record()
//	    ...
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	seg  *segment.Segment
	next int64
	cur  Scanned
	torn int64
	err  error
}

// Scanned is one record found by a Scanner.
type Scanned struct {
	Offset int64
	Header Header
}

// NewScanner returns a scanner positioned before the first record of seg.
func NewScanner(seg *segment.Segment) *Scanner {
	return &Scanner{seg: seg, next: seg.DataStart(), torn: -1}
}

// Next advances to the next record.
func (s *Scanner) Next() bool {
	if s.err != nil || s.torn >= 0 {
		return false
	}
	end := s.seg.Length()
	if s.next >= end {
		return false
	}
	if s.next+dbformat.RecordHeaderSize > end {
		s.torn = s.next
		return false
	}
	var buf [dbformat.RecordHeaderSize]byte
	if _, err := s.seg.ReadAt(buf[:], s.next); err != nil {
		s.err = err
		return false
	}
	h, err := DecodeHeader(buf[:])
	if err != nil || h.zero() || h.Length > uint64(end-s.next-dbformat.RecordHeaderSize) {
		s.torn = s.next
		return false
	}
	s.cur = Scanned{Offset: s.next, Header: h}
	s.next += h.Size()
	return true
}

// Record returns the current record.
func (s *Scanner) Record() Scanned { return s.cur }

// Addr returns the logical address of the current record.
func (s *Scanner) Addr() dbformat.Address {
	return dbformat.MakeAddress(s.seg.Ordinal(), s.cur.Offset)
}

// Payload reads the payload of the current record.
func (s *Scanner) Payload() ([]byte, error) {
	p := make([]byte, s.cur.Header.Length)
	if _, err := s.seg.ReadAt(p, s.cur.Offset+dbformat.RecordHeaderSize); err != nil {
		return nil, err
	}
	return p, nil
}

// TornAt returns the offset of the torn tail, if the scan stopped at one.
func (s *Scanner) TornAt() (int64, bool) {
	return s.torn, s.torn >= 0
}

// Err returns the I/O error that stopped the scan, if any.
func (s *Scanner) Err() error { return s.err }
