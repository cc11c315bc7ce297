// Package compaction reclaims the space of sealed segments.
//
// A compaction takes one sealed segment, moves every data record and tree
// node the indexes still reference into the active segment, commits the new
// roots and deletes the segment. Everything left behind is garbage by
// construction, whether or not its garbage flag was ever set.
package compaction

import (
	"fmt"

	"github.com/aalhour/segdb/internal/segment"
)

// Compaction describes a single compaction of one segment.
type Compaction struct {
	// Segment is the ordinal of the segment being reclaimed.
	Segment uint16

	// Length, Garbage and Utility are the segment's figures when it was
	// picked.
	Length  int64
	Garbage int64
	Utility float64

	// The reason for this compaction
	Reason CompactionReason
}

// NewCompaction describes a compaction of seg.
func NewCompaction(seg *segment.Segment, reason CompactionReason) *Compaction {
	return &Compaction{
		Segment: seg.Ordinal(),
		Length:  seg.Length(),
		Garbage: seg.Garbage(),
		Utility: seg.Utility(),
		Reason:  reason,
	}
}

func (c *Compaction) String() string {
	return fmt.Sprintf("segment %d (%d bytes, utility %.2f, %v)", c.Segment, c.Length, c.Utility, c.Reason)
}

// CompactionReason indicates why a compaction was triggered.
type CompactionReason int

const (
	CompactionReasonUnknown CompactionReason = iota
	CompactionReasonLowUtility
	CompactionReasonManualCompaction
)

func (r CompactionReason) String() string {
	switch r {
	case CompactionReasonLowUtility:
		return "Low utility"
	case CompactionReasonManualCompaction:
		return "Manual"
	default:
		return "Unknown"
	}
}
