package controller

import (
	"fmt"

	"github.com/aalhour/segdb/internal/checksum"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/encoding"
	"github.com/aalhour/segdb/internal/segment"
)

// Catalogue is the durable description of the indexes: the tree degree and
// the last committed root of every tree.
type Catalogue struct {
	Degree uint16
	Roots  []dbformat.Address
}

// Indexes returns the number of trees.
func (c Catalogue) Indexes() int { return len(c.Roots) }

// Horizon returns the highest committed root address. Every record written
// after it is uncommitted.
func (c Catalogue) Horizon() dbformat.Address {
	var h dbformat.Address
	for _, r := range c.Roots {
		h = max(h, r)
	}
	return h
}

// Encode returns the catalogue region of the primary segment, checksum
// included.
func (c Catalogue) Encode() []byte {
	buf := make([]byte, dbformat.CatalogueSize(len(c.Roots)))
	encoding.EncodeFixed16(buf[dbformat.HeaderOrdinalOffset:], dbformat.PrimaryOrdinal)
	encoding.EncodeFixed16(buf[dbformat.HeaderDegreeOffset:], c.Degree)
	encoding.EncodeFixed16(buf[dbformat.HeaderIndexesOffset:], uint16(len(c.Roots)))
	for i, r := range c.Roots {
		encoding.EncodeFixed64(buf[rootOffset(i):], uint64(r))
	}
	encoding.EncodeFixed16(buf[dbformat.HeaderChecksumOffset:],
		checksum.Sum16Excluding(buf, dbformat.HeaderChecksumOffset))
	return buf
}

// rootOffset returns where root i lives: tree 0 in the segment header, the
// others in the slots after it.
func rootOffset(i int) int {
	if i == 0 {
		return dbformat.HeaderRootOffset
	}
	return dbformat.SegmentHeaderSize + (i-1)*dbformat.RootSlotSize
}

// readCatalogue loads the catalogue from the primary segment, verifies its
// checksum and then checks it against the configured degree and index count.
// ok is false when the catalogue was never written.
func readCatalogue(primary *segment.Segment, degree, indexes int) (cat Catalogue, ok bool, err error) {
	hdr := make([]byte, dbformat.SegmentHeaderSize)
	if _, err := primary.ReadAt(hdr, 0); err != nil {
		return Catalogue{}, false, err
	}
	if encoding.DecodeFixed16(hdr[dbformat.HeaderOrdinalOffset:]) != dbformat.PrimaryOrdinal {
		return Catalogue{}, false, fmt.Errorf("%w: primary segment carries ordinal tag %d",
			dbformat.ErrCorruption, encoding.DecodeFixed16(hdr))
	}
	if isZero(hdr) {
		return Catalogue{}, false, nil
	}

	stored := int(encoding.DecodeFixed16(hdr[dbformat.HeaderIndexesOffset:]))
	if stored == 0 {
		return Catalogue{}, false, fmt.Errorf("%w: catalogue lists no indexes", dbformat.ErrCorruption)
	}
	size := dbformat.CatalogueSize(stored)
	if size > primary.Length() {
		return Catalogue{}, false, fmt.Errorf("%w: catalogue of %d indexes overruns primary segment of %d bytes",
			dbformat.ErrCorruption, stored, primary.Length())
	}
	region := make([]byte, size)
	if _, err := primary.ReadAt(region, 0); err != nil {
		return Catalogue{}, false, err
	}
	sum := encoding.DecodeFixed16(region[dbformat.HeaderChecksumOffset:])
	if computed := checksum.Sum16Excluding(region, dbformat.HeaderChecksumOffset); sum != computed {
		return Catalogue{}, false, fmt.Errorf("%w: catalogue checksum %#04x, computed %#04x",
			dbformat.ErrCorruption, sum, computed)
	}
	if d := int(encoding.DecodeFixed16(region[dbformat.HeaderDegreeOffset:])); d != degree || stored != indexes {
		return Catalogue{}, false, fmt.Errorf("%w: catalogue has degree %d and %d indexes, configured degree %d and %d indexes",
			dbformat.ErrSchemaMismatch, d, stored, degree, indexes)
	}

	cat = Catalogue{
		Degree: encoding.DecodeFixed16(region[dbformat.HeaderDegreeOffset:]),
		Roots:  make([]dbformat.Address, indexes),
	}
	for i := range cat.Roots {
		cat.Roots[i] = dbformat.Address(encoding.DecodeFixed64(region[rootOffset(i):]))
	}
	return cat, true, nil
}

// ReadCatalogue decodes the catalogue of a primary segment with the degree
// and index count it records.
func ReadCatalogue(primary *segment.Segment) (Catalogue, bool, error) {
	hdr := make([]byte, dbformat.SegmentHeaderSize)
	if _, err := primary.ReadAt(hdr, 0); err != nil {
		return Catalogue{}, false, err
	}
	return readCatalogue(primary,
		int(encoding.DecodeFixed16(hdr[dbformat.HeaderDegreeOffset:])),
		int(encoding.DecodeFixed16(hdr[dbformat.HeaderIndexesOffset:])))
}

// writeCatalogue rewrites the catalogue region in one write and syncs the
// primary segment.
func writeCatalogue(primary *segment.Segment, cat Catalogue) error {
	if _, err := primary.WriteAt(cat.Encode(), 0); err != nil {
		return err
	}
	return primary.Flush()
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
