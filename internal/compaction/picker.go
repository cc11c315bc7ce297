// picker.go implements CompactionPicker for selecting the segment to reclaim.
//
// Candidates are the sealed data segments. The active segment still receives
// appends and is never a candidate.
package compaction

import (
	"github.com/aalhour/segdb/internal/segment"
)

// CompactionPicker is responsible for selecting segments for compaction.
type CompactionPicker interface {
	// NeedsCompaction returns true if compaction is needed.
	NeedsCompaction(candidates []*segment.Segment) bool

	// PickCompaction selects the segment for the next compaction.
	// Returns nil if no compaction is needed.
	PickCompaction(candidates []*segment.Segment) *Compaction
}

// UtilityCompactionPicker picks the segment with the lowest utility, the
// live fraction of its bytes, once that falls below Threshold.
type UtilityCompactionPicker struct {
	// Threshold is the utility below which a segment is worth reclaiming.
	Threshold float64
}

// DefaultUtilityCompactionPicker returns a picker with default settings.
func DefaultUtilityCompactionPicker() *UtilityCompactionPicker {
	return &UtilityCompactionPicker{Threshold: 0.5}
}

// NeedsCompaction returns true if some candidate is below the threshold.
func (p *UtilityCompactionPicker) NeedsCompaction(candidates []*segment.Segment) bool {
	return p.pick(candidates) != nil
}

// PickCompaction selects the lowest-utility candidate below the threshold.
// Ties go to the lower ordinal.
func (p *UtilityCompactionPicker) PickCompaction(candidates []*segment.Segment) *Compaction {
	seg := p.pick(candidates)
	if seg == nil {
		return nil
	}
	return NewCompaction(seg, CompactionReasonLowUtility)
}

func (p *UtilityCompactionPicker) pick(candidates []*segment.Segment) *segment.Segment {
	var best *segment.Segment
	for _, s := range candidates {
		if s.Utility() >= p.Threshold {
			continue
		}
		if best == nil || s.Utility() < best.Utility() ||
			(s.Utility() == best.Utility() && s.Ordinal() < best.Ordinal()) {
			best = s
		}
	}
	return best
}

// PickManualCompaction describes a compaction of seg regardless of its
// utility.
func PickManualCompaction(seg *segment.Segment) *Compaction {
	return NewCompaction(seg, CompactionReasonManualCompaction)
}
