package segdb

// options.go implements database configuration options.

import (
	"errors"
	"fmt"

	"github.com/aalhour/segdb/internal/compression"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/keyformat"
	"github.com/aalhour/segdb/vfs"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// KeyFormat is an alias for the keyformat.Format interface.
type KeyFormat = keyformat.Format

// Address is the logical address of a record.
type Address = dbformat.Address

// CompressionType is an alias for the compression type used by backups.
type CompressionType = compression.Type

// Compression type constants
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	LZ4HCCompression  = compression.LZ4HCCompression
	ZstdCompression   = compression.ZstdCompression
)

// ErrInvalidOptions is returned by Validate and Open for unusable options.
var ErrInvalidOptions = errors.New("segdb: invalid options")

// Options contains configuration for opening a database.
type Options struct {
	// FS is the filesystem the database lives on.
	// Default: the operating system filesystem.
	FS vfs.FS

	// Logger receives diagnostics. Default: a DefaultLogger at WARN.
	Logger Logger

	// KeyFormat extracts the index keys from payloads. Its Indexes() is the
	// number of B+Trees and is fixed for the life of the database.
	KeyFormat KeyFormat

	// Degree is the B+Tree degree. Nodes hold between Degree-1 and
	// 2*Degree-1 keys. Fixed for the life of the database.
	// Default: 32
	Degree int

	// SegmentSize is the length past which the active segment is sealed and
	// a new one is started. A record is never split, so segments may exceed
	// it by one record.
	// Default: 64MB
	SegmentSize int64

	// NodeCacheSize is the number of decoded index nodes kept in memory.
	// Default: 4096
	NodeCacheSize int

	// CompactionUtilityThreshold is the live fraction below which Compact
	// reclaims a sealed segment.
	// Default: 0.5
	CompactionUtilityThreshold float64

	// CheckpointEvery commits the catalogue after this many mutations.
	// Zero leaves checkpoints to the caller and Close.
	CheckpointEvery int

	// CreateIfMissing creates the database if it does not exist.
	// Default: true
	CreateIfMissing bool

	// ErrorIfExists makes Open fail if the database already exists.
	ErrorIfExists bool
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		KeyFormat:                  keyformat.Framed,
		Degree:                     32,
		SegmentSize:                64 << 20,
		NodeCacheSize:              4096,
		CompactionUtilityThreshold: 0.5,
		CreateIfMissing:            true,
	}
}

// Validate checks the options for values Open cannot work with.
func (o *Options) Validate() error {
	switch {
	case o.KeyFormat == nil:
		return fmt.Errorf("%w: KeyFormat is required", ErrInvalidOptions)
	case o.KeyFormat.Indexes() < 1:
		return fmt.Errorf("%w: KeyFormat must define at least one index", ErrInvalidOptions)
	case o.Degree < 2:
		return fmt.Errorf("%w: Degree must be at least 2, got %d", ErrInvalidOptions, o.Degree)
	case o.SegmentSize <= dbformat.SegmentHeaderSize:
		return fmt.Errorf("%w: SegmentSize %d leaves no room for records", ErrInvalidOptions, o.SegmentSize)
	case o.NodeCacheSize < 0:
		return fmt.Errorf("%w: NodeCacheSize must not be negative", ErrInvalidOptions)
	case o.CompactionUtilityThreshold < 0 || o.CompactionUtilityThreshold > 1:
		return fmt.Errorf("%w: CompactionUtilityThreshold must be within [0, 1]", ErrInvalidOptions)
	case o.CheckpointEvery < 0:
		return fmt.Errorf("%w: CheckpointEvery must not be negative", ErrInvalidOptions)
	}
	return nil
}
