// Package controller owns the index catalogue and runs every operation that
// spans the record log and the trees: indexing records, committing roots at
// checkpoints and replaying the log tail after a crash.
//
// A Controller follows the single-writer model. Insert, Put, Delete,
// Checkpoint, the compaction hooks and Close must be serialized by the
// caller. Get, GetIndex and Scan may run concurrently with each other but not
// with a mutation.
package controller

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aalhour/segdb/internal/allocator"
	"github.com/aalhour/segdb/internal/btree"
	"github.com/aalhour/segdb/internal/cache"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/record"
	"github.com/aalhour/segdb/internal/vfs"
	"github.com/aalhour/segdb/keyformat"
)

var (
	// ErrKeyMismatch is returned by Insert when the payload's primary key is
	// not the key it was inserted under.
	ErrKeyMismatch = errors.New("segdb: key does not match the payload's primary key")

	// ErrNoPrimaryKey is returned when the key format yields no primary key
	// for a payload.
	ErrNoPrimaryKey = errors.New("segdb: payload has no primary key")

	// ErrIndexOutOfRange is returned for an index number the key format does
	// not define.
	ErrIndexOutOfRange = errors.New("segdb: index out of range")

	// ErrUncommitted is returned by RemoveSegment while mutations are not yet
	// checkpointed.
	ErrUncommitted = errors.New("segdb: uncommitted mutations")
)

// Options configures a Controller.
type Options struct {
	KeyFormat keyformat.Format

	// Degree is the B+Tree degree of every index.
	Degree int

	// SegmentSize is the active-segment roll threshold in bytes. 0 never
	// rolls.
	SegmentSize int64

	// NodeCacheSize is the node arena capacity, in nodes.
	NodeCacheSize int

	// CheckpointEvery checkpoints automatically after that many mutations.
	// 0 leaves checkpointing to the caller.
	CheckpointEvery int

	Logger logging.Logger
}

// Controller ties the allocator, the record codec, the node arena and one
// tree per index together.
type Controller struct {
	opts   Options
	logger logging.Logger
	kf     keyformat.Format

	alloc *allocator.Allocator
	codec *record.Codec
	nodes *cache.NodeCache
	trees []*btree.Tree

	// committed holds the roots written by the last checkpoint.
	committed []dbformat.Address
	// retired holds records and nodes superseded since the last checkpoint.
	retired   []dbformat.Address
	mutations int
	replaying bool

	recovery RecoveryStats
}

// Open opens the segments in dir, creating the database when the directory
// holds none, and recovers the trees.
func Open(fs vfs.FS, dir string, opts Options) (*Controller, error) {
	if opts.KeyFormat == nil {
		return nil, errors.New("controller: key format is required")
	}
	indexes := opts.KeyFormat.Indexes()
	if indexes < 1 || indexes > int(dbformat.MaxOrdinal) {
		return nil, fmt.Errorf("controller: key format defines %d indexes", indexes)
	}
	if opts.Degree < 2 || opts.Degree > int(dbformat.MaxOrdinal) {
		return nil, fmt.Errorf("%w: %d", btree.ErrInvalidDegree, opts.Degree)
	}
	logger := logging.OrDefault(opts.Logger)

	alloc, created, err := allocator.Open(fs, dir, allocator.Options{
		SegmentSize:   opts.SegmentSize,
		CatalogueSize: dbformat.CatalogueSize(indexes),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	c := &Controller{
		opts:   opts,
		logger: logger,
		kf:     opts.KeyFormat,
		alloc:  alloc,
		nodes:  cache.New(opts.NodeCacheSize),
	}
	c.codec = record.NewCodec(alloc, c.kf)

	if err := c.load(created); err != nil {
		_ = alloc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) load(created bool) error {
	primary := c.alloc.Primary()
	cat, ok, err := readCatalogue(primary, c.opts.Degree, c.kf.Indexes())
	if err != nil {
		return err
	}
	if !ok {
		cat = Catalogue{Degree: uint16(c.opts.Degree), Roots: make([]dbformat.Address, c.kf.Indexes())}
		if err := writeCatalogue(primary, cat); err != nil {
			return err
		}
		if created {
			c.logger.Infof(logging.NSDB+"created database: degree %d, %d indexes", cat.Degree, cat.Indexes())
		} else {
			c.logger.Warnf(logging.NSDB+"primary segment had no catalogue, initialized degree %d, %d indexes",
				cat.Degree, cat.Indexes())
		}
	}

	store := nodeStore{c}
	c.trees = make([]*btree.Tree, cat.Indexes())
	for i, root := range cat.Roots {
		t, err := btree.New(store, c.kf.Compare, int(cat.Degree), root)
		if err != nil {
			return err
		}
		c.trees[i] = t
	}
	c.committed = slices.Clone(cat.Roots)
	return c.recover(cat)
}

// nodeStore runs the trees on the record codec through the node arena.
type nodeStore struct{ c *Controller }

func (s nodeStore) ReadNode(addr dbformat.Address) (*btree.Node, error) {
	if n, ok := s.c.nodes.Get(addr); ok {
		return n, nil
	}
	n, err := s.c.codec.ReadNode(addr)
	if err != nil {
		return nil, err
	}
	s.c.nodes.Put(addr, n)
	return n, nil
}

func (s nodeStore) WriteNode(n *btree.Node, root bool) (dbformat.Address, error) {
	addr, err := s.c.codec.WriteNode(n, root)
	if err != nil {
		return dbformat.NilAddress, err
	}
	s.c.nodes.Put(addr, n)
	return addr, nil
}

func (s nodeStore) Retire(addr dbformat.Address) {
	s.c.retired = append(s.c.retired, addr)
}

// KeyFormat returns the key format the database was opened with.
func (c *Controller) KeyFormat() keyformat.Format { return c.kf }

// =============================================================================
// Mutations
// =============================================================================

// Insert appends payload and indexes it. key must equal the primary key the
// key format extracts from payload. When the key was already present, the
// superseded record's address is returned with replaced set.
func (c *Controller) Insert(key, payload []byte) (prev dbformat.Address, replaced bool, err error) {
	keys, err := c.extract(payload)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	if c.kf.Compare(keys[0], key) != 0 {
		return dbformat.NilAddress, false, fmt.Errorf("%w: inserted under %x, payload key %x", ErrKeyMismatch, key, keys[0])
	}
	_, prev, replaced, err = c.put(payload, keys)
	return prev, replaced, err
}

// Put appends payload and indexes it under the keys extracted from it. It
// returns the new record address and, when the primary key was already
// present, the superseded address.
func (c *Controller) Put(payload []byte) (addr, prev dbformat.Address, replaced bool, err error) {
	keys, err := c.extract(payload)
	if err != nil {
		return dbformat.NilAddress, dbformat.NilAddress, false, err
	}
	return c.put(payload, keys)
}

func (c *Controller) put(payload []byte, keys [][]byte) (addr, prev dbformat.Address, replaced bool, err error) {
	addr, err = c.codec.WriteRecord(payload)
	if err != nil {
		return dbformat.NilAddress, dbformat.NilAddress, false, err
	}
	prev, replaced, err = c.index(addr, keys)
	if err != nil {
		// A record the primary index never took would come back in tail
		// replay; the next checkpoint marks it garbage instead.
		if cur, ok, gerr := c.trees[0].Get(keys[0]); gerr == nil && (!ok || cur != addr) {
			c.retired = append(c.retired, addr)
		}
		return dbformat.NilAddress, dbformat.NilAddress, false, err
	}
	c.mutated()
	return addr, prev, replaced, nil
}

// Delete removes key from the primary index and the record's secondary keys
// from the other indexes. It returns the removed record's address.
func (c *Controller) Delete(key []byte) (dbformat.Address, bool, error) {
	prev, found, err := c.trees[0].Delete(key)
	if err != nil || !found {
		return dbformat.NilAddress, false, err
	}
	if err := c.unindexSecondaries(prev, nil); err != nil {
		return dbformat.NilAddress, false, err
	}
	c.retired = append(c.retired, prev)
	c.mutated()
	return prev, true, nil
}

// extract returns the index keys of payload, one per tree.
func (c *Controller) extract(payload []byte) ([][]byte, error) {
	keys, err := c.kf.ExtractKeys(payload)
	if err != nil {
		return nil, err
	}
	if len(keys) != len(c.trees) {
		return nil, fmt.Errorf("controller: key format returned %d keys for %d indexes", len(keys), len(c.trees))
	}
	if keys[0] == nil {
		return nil, ErrNoPrimaryKey
	}
	return keys, nil
}

// index points every tree at the record at addr. A superseded record loses
// the secondary keys that still point at it and is retired. Secondary keys
// are last-writer-wins.
func (c *Controller) index(addr dbformat.Address, keys [][]byte) (dbformat.Address, bool, error) {
	prev, replaced, err := c.trees[0].Insert(keys[0], addr)
	if err != nil {
		return dbformat.NilAddress, false, err
	}
	if replaced {
		if err := c.unindexSecondaries(prev, keys); err != nil {
			return dbformat.NilAddress, false, err
		}
		c.retired = append(c.retired, prev)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] == nil {
			continue
		}
		if _, _, err := c.trees[i].Insert(keys[i], addr); err != nil {
			return dbformat.NilAddress, false, c.diverged(i, err)
		}
	}
	return prev, replaced, nil
}

// unindexSecondaries removes the secondary keys of the record at prev that
// still point at it. Keys equal to the corresponding entry of keep are left
// alone; the caller overwrites them.
func (c *Controller) unindexSecondaries(prev dbformat.Address, keep [][]byte) error {
	if len(c.trees) == 1 {
		return nil
	}
	rec, err := c.codec.ReadRecordAt(prev)
	if err != nil {
		return c.diverged(0, err)
	}
	old, err := c.kf.ExtractKeys(rec.Payload)
	if err != nil || len(old) != len(c.trees) {
		c.logger.Warnf(logging.NSDB+"superseded record at %v yields no keys, secondary entries left in place", prev)
		return nil
	}
	for i := 1; i < len(old); i++ {
		if old[i] == nil || (keep != nil && keep[i] != nil && c.kf.Compare(old[i], keep[i]) == 0) {
			continue
		}
		cur, ok, err := c.trees[i].Get(old[i])
		if err != nil {
			return c.diverged(i, err)
		}
		if !ok || cur != prev {
			continue
		}
		if _, _, err := c.trees[i].Delete(old[i]); err != nil {
			return c.diverged(i, err)
		}
	}
	return nil
}

// diverged reports a failure that left index i out of step with the
// primary index.
func (c *Controller) diverged(i int, err error) error {
	c.logger.Fatalf(logging.NSDB+"index %d no longer matches the primary index: %v", i, err)
	return err
}

// mutated counts a mutation and runs the automatic checkpoint when due.
func (c *Controller) mutated() {
	c.mutations++
	if c.replaying || c.opts.CheckpointEvery <= 0 || c.mutations < c.opts.CheckpointEvery {
		return
	}
	if err := c.Checkpoint(); err != nil {
		c.logger.Errorf(logging.NSCheckpoint+"automatic checkpoint failed: %v", err)
	}
}

// =============================================================================
// Reads
// =============================================================================

// Get returns the payload stored under the primary key key.
func (c *Controller) Get(key []byte) ([]byte, bool, error) {
	return c.GetIndex(0, key)
}

// GetIndex returns the payload stored under key in index i.
func (c *Controller) GetIndex(i int, key []byte) ([]byte, bool, error) {
	if i < 0 || i >= len(c.trees) {
		return nil, false, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.trees))
	}
	addr, ok, err := c.trees[i].Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := c.codec.ReadRecordAt(addr)
	if err != nil {
		return nil, false, err
	}
	return rec.Payload, true, nil
}

// Scan calls fn with every primary key in [from, to) and its payload, in key
// order, until fn returns false. A nil bound is open.
func (c *Controller) Scan(from, to []byte, fn func(key, payload []byte) bool) error {
	return c.ScanIndex(0, from, to, fn)
}

// ScanIndex is Scan over index i.
func (c *Controller) ScanIndex(i int, from, to []byte, fn func(key, payload []byte) bool) error {
	if i < 0 || i >= len(c.trees) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.trees))
	}
	var readErr error
	err := c.trees[i].AscendRange(from, to, func(key []byte, addr dbformat.Address) bool {
		rec, err := c.codec.ReadRecordAt(addr)
		if err != nil {
			readErr = err
			return false
		}
		return fn(key, rec.Payload)
	})
	if err != nil {
		return err
	}
	return readErr
}

// Close checkpoints and closes every segment.
func (c *Controller) Close() error {
	err := c.Checkpoint()
	if cerr := c.alloc.Close(); err == nil {
		err = cerr
	}
	c.nodes.Clear()
	return err
}

// Abandon closes every segment without a checkpoint. Mutations since the
// last checkpoint are left to recovery.
func (c *Controller) Abandon() error {
	err := c.alloc.Close()
	c.nodes.Clear()
	return err
}
