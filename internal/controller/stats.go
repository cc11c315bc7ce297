package controller

import (
	"fmt"
	"slices"

	"github.com/aalhour/segdb/internal/dbformat"
)

// Stats is a snapshot of the controller state.
type Stats struct {
	Degree  int
	Indexes int

	// Roots are the current roots, Committed those of the last checkpoint.
	Roots     []dbformat.Address
	Committed []dbformat.Address

	// Keys and Heights hold one value per index.
	Keys    []int
	Heights []int

	Segments []SegmentStats

	// PendingGarbage counts the addresses to be marked at the next
	// checkpoint.
	PendingGarbage       int
	UncommittedMutations int

	CachedNodes int
	CacheHits   uint64
	CacheMisses uint64

	Recovery RecoveryStats
}

// SegmentStats describes one data segment.
type SegmentStats struct {
	Ordinal uint16
	Length  int64
	Garbage int64
	Utility float64
	Active  bool
}

// Stats collects the current statistics. Counting keys reads the internal
// nodes of every tree.
func (c *Controller) Stats() (Stats, error) {
	s := Stats{
		Degree:               c.opts.Degree,
		Indexes:              len(c.trees),
		Roots:                c.catalogue().Roots,
		Committed:            slices.Clone(c.committed),
		Keys:                 make([]int, len(c.trees)),
		Heights:              make([]int, len(c.trees)),
		PendingGarbage:       len(c.retired),
		UncommittedMutations: c.mutations,
		CachedNodes:          c.nodes.Len(),
		CacheHits:            c.nodes.HitCount(),
		CacheMisses:          c.nodes.MissCount(),
		Recovery:             c.recovery,
	}
	for i, t := range c.trees {
		n, err := t.Len()
		if err != nil {
			return Stats{}, err
		}
		h, err := t.Height()
		if err != nil {
			return Stats{}, err
		}
		s.Keys[i], s.Heights[i] = n, h
	}
	active := c.alloc.Active()
	for _, seg := range c.alloc.Segments() {
		s.Segments = append(s.Segments, SegmentStats{
			Ordinal: seg.Ordinal(),
			Length:  seg.Length(),
			Garbage: seg.Garbage(),
			Utility: seg.Utility(),
			Active:  seg == active,
		})
	}
	return s, nil
}

// Verify checks the shape of every tree and that every index entry points
// at a record carrying that key. Secondary entries must point at records
// the primary index still maps.
func (c *Controller) Verify() error {
	for i, t := range c.trees {
		if err := t.Check(); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	for i, t := range c.trees {
		var bad error
		err := t.Ascend(func(key []byte, addr dbformat.Address) bool {
			bad = c.verifyEntry(i, key, addr)
			return bad == nil
		})
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		if bad != nil {
			return bad
		}
	}
	return nil
}

func (c *Controller) verifyEntry(i int, key []byte, addr dbformat.Address) error {
	rec, err := c.codec.ReadRecordAt(addr)
	if err != nil {
		return fmt.Errorf("index %d key %x: %w", i, key, err)
	}
	if rec.Header.IsNode() || rec.Header.IsGarbage() {
		return fmt.Errorf("%w: index %d key %x points at a %v record at %v",
			dbformat.ErrCorruption, i, key, rec.Header.Flags, addr)
	}
	keys, err := c.extract(rec.Payload)
	if err != nil {
		return fmt.Errorf("%w: index %d key %x: record at %v: %w", dbformat.ErrCorruption, i, key, addr, err)
	}
	if keys[i] == nil || c.kf.Compare(keys[i], key) != 0 {
		return fmt.Errorf("%w: index %d key %x points at record %v with key %x",
			dbformat.ErrCorruption, i, key, addr, keys[i])
	}
	if i == 0 {
		return nil
	}
	primary, ok, err := c.trees[0].Get(keys[0])
	if err != nil {
		return err
	}
	if !ok || primary != addr {
		return fmt.Errorf("%w: index %d key %x points at superseded record %v",
			dbformat.ErrCorruption, i, key, addr)
	}
	return nil
}
