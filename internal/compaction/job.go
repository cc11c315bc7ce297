// job.go implements CompactionJob which executes a single compaction.
//
// CompactionJob reclaims one segment: it scans the segment's records,
// re-homes the data records the primary index still points at, relocates the
// tree nodes stored there, checkpoints and removes the segment. Until the
// checkpoint the committed catalogue still references the segment, so a crash
// at any step leaves it intact.
package compaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/record"
	"github.com/aalhour/segdb/internal/segment"
)

var (
	// ErrActiveSegment is returned when the compaction names the active
	// segment.
	ErrActiveSegment = errors.New("compaction: the active segment cannot be compacted")

	// ErrNoSegment is returned when the segment does not exist.
	ErrNoSegment = errors.New("compaction: no such segment")
)

// Engine is the database surface a compaction runs against.
type Engine interface {
	Segment(ordinal uint16) (*segment.Segment, bool)
	ActiveOrdinal() uint16

	// IsLive reports whether the primary index maps the record's key to addr.
	IsLive(addr dbformat.Address, payload []byte) (bool, error)

	// Rehome copies a live record to the active segment and repoints its
	// index entries.
	Rehome(old dbformat.Address, payload []byte) (dbformat.Address, error)

	// RelocateNodes rewrites the live tree nodes stored in a segment.
	RelocateNodes(ordinal uint16) (int, error)

	Checkpoint() error
	RemoveSegment(ordinal uint16) error
}

// CompactionJob executes a compaction.
type CompactionJob struct {
	compaction *Compaction
	engine     Engine
	logger     logging.Logger
}

// NewCompactionJob creates a new compaction job.
func NewCompactionJob(c *Compaction, engine Engine, logger logging.Logger) *CompactionJob {
	return &CompactionJob{
		compaction: c,
		engine:     engine,
		logger:     logging.OrDefault(logger),
	}
}

// JobResult summarizes a completed compaction.
type JobResult struct {
	Segment uint16

	RecordsScanned int
	RecordsMoved   int
	BytesMoved     int64
	NodesMoved     int

	// BytesReclaimed is the length of the removed segment.
	BytesReclaimed int64

	Duration time.Duration
}

// Run executes the compaction.
func (j *CompactionJob) Run() (*JobResult, error) {
	start := time.Now()
	ord := j.compaction.Segment
	if ord == j.engine.ActiveOrdinal() {
		return nil, fmt.Errorf("%w: segment %d", ErrActiveSegment, ord)
	}
	seg, ok := j.engine.Segment(ord)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSegment, ord)
	}
	res := &JobResult{Segment: ord, BytesReclaimed: seg.Length()}
	j.logger.Infof(logging.NSCompact+"compacting %v", j.compaction)

	if err := j.rehomeRecords(seg, res); err != nil {
		return nil, fmt.Errorf("compaction: segment %d: %w", ord, err)
	}
	nodes, err := j.engine.RelocateNodes(ord)
	if err != nil {
		return nil, fmt.Errorf("compaction: segment %d: %w", ord, err)
	}
	res.NodesMoved = nodes

	if err := j.engine.Checkpoint(); err != nil {
		return nil, fmt.Errorf("compaction: segment %d: %w", ord, err)
	}
	if err := j.engine.RemoveSegment(ord); err != nil {
		return nil, fmt.Errorf("compaction: segment %d: %w", ord, err)
	}

	res.Duration = time.Since(start)
	j.logger.Infof(logging.NSCompact+"removed segment %d: moved %d records (%d bytes) and %d nodes, reclaimed %d bytes in %v",
		ord, res.RecordsMoved, res.BytesMoved, res.NodesMoved, res.BytesReclaimed, res.Duration)
	return res, nil
}

// rehomeRecords moves every live data record of seg.
func (j *CompactionJob) rehomeRecords(seg *segment.Segment, res *JobResult) error {
	s := record.NewScanner(seg)
	for s.Next() {
		res.RecordsScanned++
		h := s.Record().Header
		if h.IsGarbage() || h.IsNode() {
			continue
		}
		payload, err := s.Payload()
		if err != nil {
			return err
		}
		live, err := j.engine.IsLive(s.Addr(), payload)
		if err != nil {
			return err
		}
		if !live {
			continue
		}
		if _, err := j.engine.Rehome(s.Addr(), payload); err != nil {
			return err
		}
		res.RecordsMoved++
		res.BytesMoved += h.Size()
	}
	if err := s.Err(); err != nil {
		return err
	}
	if off, torn := s.TornAt(); torn {
		j.logger.Warnf(logging.NSCompact+"segment %d: unreadable tail at %d ignored", seg.Ordinal(), off)
	}
	return nil
}
