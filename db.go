package segdb

// db.go implements the DB handle: open, the key-value operations, checkpoint,
// compaction and close.

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/aalhour/segdb/internal/compaction"
	"github.com/aalhour/segdb/internal/controller"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/segment"
	"github.com/aalhour/segdb/vfs"
)

// Error types
var (
	ErrDBClosed        = errors.New("segdb: database is closed")
	ErrDBExists        = errors.New("segdb: database already exists")
	ErrDBNotFound      = errors.New("segdb: database not found")
	ErrBackgroundError = errors.New("segdb: unrecoverable error, reopen the database")

	ErrStorage         = dbformat.ErrStorage
	ErrCorruption      = dbformat.ErrCorruption
	ErrSchemaMismatch  = dbformat.ErrSchemaMismatch
	ErrKeyMismatch     = controller.ErrKeyMismatch
	ErrNoPrimaryKey    = controller.ErrNoPrimaryKey
	ErrIndexOutOfRange = controller.ErrIndexOutOfRange
	ErrLocked          = vfs.ErrLocked
)

// lockFileName guards the database directory against a second process.
const lockFileName = "LOCK"

// Stats is a snapshot of the engine's figures.
type Stats = controller.Stats

// SegmentStats describes one segment.
type SegmentStats = controller.SegmentStats

// RecoveryStats describes what the last open found in the tail.
type RecoveryStats = controller.RecoveryStats

// CompactionResult summarizes one reclaimed segment.
type CompactionResult = compaction.JobResult

// DB is an open database.
//
// Mutations (Insert, Put, Delete, Checkpoint, Compact, CompactSegment, Close)
// must be serialized by the caller. Reads may run concurrently with each
// other but not with a mutation.
type DB struct {
	name   string
	opts   Options
	fs     vfs.FS
	logger logging.Logger
	lock   io.Closer

	ctrl   *controller.Controller
	picker compaction.CompactionPicker

	closed atomic.Bool

	mu              sync.Mutex
	backgroundError error
}

// Open opens the database in dir. A nil opts uses DefaultOptions.
func Open(dir string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}

	exists := fs.Exists(filepath.Join(dir, segment.FileName(dbformat.PrimaryOrdinal)))
	if exists && opts.ErrorIfExists {
		return nil, fmt.Errorf("%w: %s", ErrDBExists, dir)
	}
	if !exists && !opts.CreateIfMissing {
		return nil, fmt.Errorf("%w: %s", ErrDBNotFound, dir)
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorage, dir, err)
	}

	lock, err := fs.Lock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("segdb: lock %s: %w", dir, err)
	}

	db := &DB{
		name: dir,
		opts: *opts,
		fs:   fs,
		lock: lock,
		picker: &compaction.UtilityCompactionPicker{
			Threshold: opts.CompactionUtilityThreshold,
		},
	}
	db.logger = &fatalTrap{Logger: logging.OrDefault(opts.Logger), db: db}

	ctrl, err := controller.Open(fs, dir, controller.Options{
		KeyFormat:       opts.KeyFormat,
		Degree:          opts.Degree,
		SegmentSize:     opts.SegmentSize,
		NodeCacheSize:   opts.NodeCacheSize,
		CheckpointEvery: opts.CheckpointEvery,
		Logger:          db.logger,
	})
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	db.ctrl = ctrl
	return db, nil
}

// fatalTrap forwards to the configured logger and turns every Fatalf into
// the database's sticky background error.
type fatalTrap struct {
	logging.Logger
	db *DB
}

func (l *fatalTrap) Fatalf(format string, args ...any) {
	l.Logger.Fatalf(format, args...)
	l.db.SetBackgroundError(fmt.Errorf("%w: %s", logging.ErrFatal, fmt.Sprintf(format, args...)))
}

// SetBackgroundError sets an unrecoverable error. Once set, every mutation
// fails with ErrBackgroundError until the database is reopened. The first
// error wins.
func (db *DB) SetBackgroundError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.backgroundError == nil && err != nil {
		db.backgroundError = err
	}
}

// GetBackgroundError returns the current background error, if any.
func (db *DB) GetBackgroundError() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.backgroundError
}

// Name returns the database directory.
func (db *DB) Name() string { return db.name }

// KeyFormat returns the key format the database was opened with.
func (db *DB) KeyFormat() KeyFormat { return db.opts.KeyFormat }

func (db *DB) readable() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	return nil
}

func (db *DB) writable() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if err := db.GetBackgroundError(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackgroundError, err)
	}
	return nil
}

// Insert stores payload under key, which must equal the payload's primary
// key. It returns the address of the record it replaced, if any.
func (db *DB) Insert(key, payload []byte) (prev Address, replaced bool, err error) {
	if err := db.writable(); err != nil {
		return 0, false, err
	}
	return db.ctrl.Insert(key, payload)
}

// Put stores payload under the keys the key format extracts from it and
// returns the new record's address.
func (db *DB) Put(payload []byte) (Address, error) {
	if err := db.writable(); err != nil {
		return 0, err
	}
	addr, _, _, err := db.ctrl.Put(payload)
	return addr, err
}

// Get returns the payload stored under the primary key.
func (db *DB) Get(key []byte) (payload []byte, found bool, err error) {
	if err := db.readable(); err != nil {
		return nil, false, err
	}
	return db.ctrl.Get(key)
}

// GetIndex returns the payload stored under key in index i.
func (db *DB) GetIndex(i int, key []byte) (payload []byte, found bool, err error) {
	if err := db.readable(); err != nil {
		return nil, false, err
	}
	return db.ctrl.GetIndex(i, key)
}

// Delete removes key and the payload's secondary keys. It returns the
// address of the removed record.
func (db *DB) Delete(key []byte) (Address, bool, error) {
	if err := db.writable(); err != nil {
		return 0, false, err
	}
	return db.ctrl.Delete(key)
}

// Scan calls fn for every primary key in [from, to) in key order until fn
// returns false. A nil bound is open.
func (db *DB) Scan(from, to []byte, fn func(key, payload []byte) bool) error {
	if err := db.readable(); err != nil {
		return err
	}
	return db.ctrl.Scan(from, to, fn)
}

// ScanIndex is Scan over index i.
func (db *DB) ScanIndex(i int, from, to []byte, fn func(key, payload []byte) bool) error {
	if err := db.readable(); err != nil {
		return err
	}
	return db.ctrl.ScanIndex(i, from, to, fn)
}

// Checkpoint makes every mutation so far durable and marks the records they
// superseded as garbage.
func (db *DB) Checkpoint() error {
	if err := db.writable(); err != nil {
		return err
	}
	return db.ctrl.Checkpoint()
}

// Compact reclaims the sealed segment with the lowest utility if it is below
// the configured threshold. It returns nil when nothing qualifies.
func (db *DB) Compact() (*CompactionResult, error) {
	if err := db.writable(); err != nil {
		return nil, err
	}
	c := db.picker.PickCompaction(db.ctrl.SegmentsByUtility())
	if c == nil {
		db.logger.Debugf(logging.NSCompact + "no segment below the utility threshold")
		return nil, nil
	}
	return compaction.NewCompactionJob(c, db.ctrl, db.logger).Run()
}

// CompactSegment reclaims one sealed segment regardless of its utility.
func (db *DB) CompactSegment(ordinal uint16) (*CompactionResult, error) {
	if err := db.writable(); err != nil {
		return nil, err
	}
	seg, ok := db.ctrl.Segment(ordinal)
	if !ok {
		return nil, fmt.Errorf("%w: %d", compaction.ErrNoSegment, ordinal)
	}
	return compaction.NewCompactionJob(compaction.PickManualCompaction(seg), db.ctrl, db.logger).Run()
}

// Stats returns the engine's figures.
func (db *DB) Stats() (Stats, error) {
	if err := db.readable(); err != nil {
		return Stats{}, err
	}
	return db.ctrl.Stats()
}

// Verify checks every tree's shape and that every entry resolves to a data
// record carrying the entry's key.
func (db *DB) Verify() error {
	if err := db.readable(); err != nil {
		return err
	}
	return db.ctrl.Verify()
}

// Close checkpoints, closes the segments and releases the directory lock.
// After a background error the checkpoint is skipped, so everything since
// the last checkpoint is replayed on the next open.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	var err error
	if bg := db.GetBackgroundError(); bg != nil {
		db.logger.Warnf(logging.NSDB+"closing without checkpoint after: %v", bg)
		err = db.ctrl.Abandon()
	} else {
		err = db.ctrl.Close()
	}
	if lerr := db.lock.Close(); lerr != nil && err == nil {
		err = fmt.Errorf("segdb: unlock %s: %w", db.name, lerr)
	}
	return err
}
