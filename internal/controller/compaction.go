package controller

import (
	"fmt"
	"slices"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/segment"
)

// Hooks used by the compactor to move the live content out of a segment.

// Segment returns the data segment with the given ordinal.
func (c *Controller) Segment(ordinal uint16) (*segment.Segment, bool) {
	if ordinal == dbformat.PrimaryOrdinal {
		return nil, false
	}
	return c.alloc.Segment(ordinal)
}

// Segments returns the data segments in ordinal order.
func (c *Controller) Segments() []*segment.Segment { return c.alloc.Segments() }

// SegmentsByUtility returns the compaction candidates, lowest utility first.
// The active segment is never among them.
func (c *Controller) SegmentsByUtility() []*segment.Segment { return c.alloc.SegmentsByUtility() }

// ActiveOrdinal returns the ordinal of the segment receiving appends.
func (c *Controller) ActiveOrdinal() uint16 { return c.alloc.Active().Ordinal() }

// IsLive reports whether the data record at addr with the given payload is
// the one the primary index maps its key to.
func (c *Controller) IsLive(addr dbformat.Address, payload []byte) (bool, error) {
	keys, err := c.extract(payload)
	if err != nil {
		// Unindexable records were never live.
		return false, nil
	}
	cur, ok, err := c.trees[0].Get(keys[0])
	if err != nil {
		return false, err
	}
	return ok && cur == addr, nil
}

// Rehome appends a copy of the live record at old and moves every index
// entry that points at old to the copy. Secondary keys that another record
// has since taken over are left alone. old is retired.
func (c *Controller) Rehome(old dbformat.Address, payload []byte) (dbformat.Address, error) {
	keys, err := c.extract(payload)
	if err != nil {
		return dbformat.NilAddress, err
	}
	addr, err := c.codec.WriteRecord(payload)
	if err != nil {
		return dbformat.NilAddress, err
	}
	if _, _, err := c.trees[0].Insert(keys[0], addr); err != nil {
		return dbformat.NilAddress, err
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] == nil {
			continue
		}
		cur, ok, err := c.trees[i].Get(keys[i])
		if err != nil {
			return dbformat.NilAddress, c.diverged(i, err)
		}
		if !ok || cur != old {
			continue
		}
		if _, _, err := c.trees[i].Insert(keys[i], addr); err != nil {
			return dbformat.NilAddress, c.diverged(i, err)
		}
	}
	c.retired = append(c.retired, old)
	c.mutations++
	return addr, nil
}

// RelocateNodes rewrites every live tree node stored in the segment with the
// given ordinal, and its ancestors, into the active segment.
func (c *Controller) RelocateNodes(ordinal uint16) (int, error) {
	in := func(a dbformat.Address) bool { return a.Ordinal() == ordinal }
	total := 0
	for i, t := range c.trees {
		moved, err := t.Relocate(in)
		if err != nil {
			return total, fmt.Errorf("relocate index %d: %w", i, err)
		}
		total += moved
	}
	if total > 0 {
		c.mutations++
	}
	return total, nil
}

// RemoveSegment deletes a sealed segment whose live content has been moved
// and checkpointed.
func (c *Controller) RemoveSegment(ordinal uint16) error {
	if !slices.Equal(c.catalogue().Roots, c.committed) || len(c.retired) > 0 {
		return fmt.Errorf("%w: checkpoint before removing segment %d", ErrUncommitted, ordinal)
	}
	if err := c.alloc.RemoveSegment(ordinal); err != nil {
		return err
	}
	c.nodes.EraseSegment(ordinal)
	return nil
}
