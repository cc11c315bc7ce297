// Package keyformat defines how index keys are extracted from record payloads
// and how they are serialized inside index nodes.
//
// The engine treats a Format as a strategy object. It imposes no structure on
// keys beyond the total order given by Compare. Index 0 is the primary index:
// every payload must yield a non-nil primary key. A nil key for any other
// index means the record is not indexed in that tree.
//
// All indexes share one key encoding (AppendKey/DecodeKey).
package keyformat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/aalhour/segdb/internal/encoding"
)

var (
	// ErrShortPayload is returned when a payload is too short to hold a key.
	ErrShortPayload = errors.New("keyformat: payload too short")

	// ErrMalformedKey is returned when an encoded key cannot be decoded.
	ErrMalformedKey = errors.New("keyformat: malformed key")
)

// Format extracts and serializes index keys.
type Format interface {
	// Indexes returns the number of parallel indexes (at least 1).
	Indexes() int

	// ExtractKeys returns one key per index. keys[0] must be non-nil.
	ExtractKeys(payload []byte) ([][]byte, error)

	// AppendKey appends the serialized key to dst.
	AppendKey(dst, key []byte) []byte

	// DecodeKey decodes a key from the front of src and returns it along with
	// the number of bytes consumed.
	DecodeKey(src []byte) (key []byte, n int, err error)

	// Compare orders keys. It returns -1, 0 or +1.
	Compare(a, b []byte) int
}

// lengthPrefixed provides the varint length-prefixed key encoding and the
// bytewise ordering shared by the variable-length formats.
type lengthPrefixed struct{}

func (lengthPrefixed) AppendKey(dst, key []byte) []byte {
	return encoding.AppendLengthPrefixedSlice(dst, key)
}

func (lengthPrefixed) DecodeKey(src []byte) ([]byte, int, error) {
	key, n, err := encoding.DecodeLengthPrefixedSlice(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	return key, n, nil
}

func (lengthPrefixed) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// -----------------------------------------------------------------------------
// Framed
// -----------------------------------------------------------------------------

// Framed is a single-index format whose payload is a varint key length, the
// key, then the value. Build payloads with Frame.
var Framed Format = framed{}

type framed struct{ lengthPrefixed }

func (framed) Indexes() int { return 1 }

func (framed) ExtractKeys(payload []byte) ([][]byte, error) {
	key, _, err := Unframe(payload)
	if err != nil {
		return nil, err
	}
	return [][]byte{key}, nil
}

// Frame builds a Framed payload.
func Frame(key, value []byte) []byte {
	buf := make([]byte, 0, encoding.VarintLength(uint64(len(key)))+len(key)+len(value))
	buf = encoding.AppendLengthPrefixedSlice(buf, key)
	return append(buf, value...)
}

// Unframe splits a Framed payload. The returned slices alias payload.
func Unframe(payload []byte) (key, value []byte, err error) {
	key, n, err := encoding.DecodeLengthPrefixedSlice(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrShortPayload, err)
	}
	return key, payload[n:], nil
}

// -----------------------------------------------------------------------------
// Uint64
// -----------------------------------------------------------------------------

// Uint64 is a single-index format whose payload starts with an 8-byte
// big-endian key. Keys are stored as fixed 8-byte values; big-endian makes
// bytewise order equal numeric order.
var Uint64 Format = uint64Format{}

type uint64Format struct{}

func (uint64Format) Indexes() int { return 1 }

func (uint64Format) ExtractKeys(payload []byte) ([][]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: %d bytes, need 8", ErrShortPayload, len(payload))
	}
	return [][]byte{payload[:8]}, nil
}

func (uint64Format) AppendKey(dst, key []byte) []byte {
	var k [8]byte
	copy(k[8-min(len(key), 8):], key)
	return append(dst, k[:]...)
}

func (uint64Format) DecodeKey(src []byte) ([]byte, int, error) {
	if len(src) < 8 {
		return nil, 0, fmt.Errorf("%w: %d bytes, need 8", ErrMalformedKey, len(src))
	}
	return src[:8], 8, nil
}

func (uint64Format) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Uint64Key encodes v as a Uint64 key.
func Uint64Key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// -----------------------------------------------------------------------------
// Func
// -----------------------------------------------------------------------------

// ExtractFunc returns one key per index for a payload.
type ExtractFunc func(payload []byte) ([][]byte, error)

// Func returns a format with the given number of indexes whose keys come from
// extract. Keys are length-prefixed and ordered bytewise.
func Func(indexes int, extract ExtractFunc) Format {
	return &funcFormat{indexes: indexes, extract: extract}
}

type funcFormat struct {
	lengthPrefixed
	indexes int
	extract ExtractFunc
}

func (f *funcFormat) Indexes() int { return f.indexes }

func (f *funcFormat) ExtractKeys(payload []byte) ([][]byte, error) {
	return f.extract(payload)
}

// -----------------------------------------------------------------------------
// WithContentHash
// -----------------------------------------------------------------------------

// WithContentHash adds one secondary index to base, keyed by the XXH3-64 hash
// of the whole payload in big-endian form. base's key encoding must accept
// 8-byte keys, which all formats in this package do.
func WithContentHash(base Format) Format {
	return &contentHash{Format: base}
}

type contentHash struct {
	Format
}

func (c *contentHash) Indexes() int { return c.Format.Indexes() + 1 }

func (c *contentHash) ExtractKeys(payload []byte) ([][]byte, error) {
	keys, err := c.Format.ExtractKeys(payload)
	if err != nil {
		return nil, err
	}
	return append(keys, ContentHashKey(payload)), nil
}

// ContentHashKey returns the content-hash index key of payload.
func ContentHashKey(payload []byte) []byte {
	return binary.BigEndian.AppendUint64(nil, xxh3.Hash(payload))
}
