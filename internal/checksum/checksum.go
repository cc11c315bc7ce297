// Package checksum provides the hashes used by the on-disk formats.
//
// The catalogue region of the primary segment carries a 16-bit checksum in
// the two reserved header bytes. It is the XXH3-64 hash of the region with
// the checksum field zeroed, folded to 16 bits.
package checksum

import (
	"github.com/zeebo/xxh3"
)

// Sum64 returns the XXH3-64 hash of data.
func Sum64(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Fold16 folds a 64-bit hash into 16 bits by xoring its four 16-bit lanes.
func Fold16(h uint64) uint16 {
	return uint16(h) ^ uint16(h>>16) ^ uint16(h>>32) ^ uint16(h>>48)
}

// Sum16 returns the folded XXH3 checksum of data.
func Sum16(data []byte) uint16 {
	return Fold16(Sum64(data))
}

// Sum16Excluding returns the folded checksum of data with the two bytes at
// off treated as zero. data is not modified.
func Sum16Excluding(data []byte, off int) uint16 {
	h := xxh3.New()
	_, _ = h.Write(data[:off])
	_, _ = h.Write([]byte{0, 0})
	_, _ = h.Write(data[off+2:])
	return Fold16(h.Sum64())
}
