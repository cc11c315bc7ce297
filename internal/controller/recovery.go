package controller

import (
	"fmt"
	"time"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/record"
	"github.com/aalhour/segdb/internal/segment"
)

// RecoveryStats describes the last recovery.
type RecoveryStats struct {
	// Horizon is the highest committed root. Records above it were replayed.
	Horizon dbformat.Address

	SegmentsScanned int
	RecordsScanned  int

	// Replayed counts data records re-indexed from the log tail, Skipped
	// those whose keys could not be extracted.
	Replayed int
	Skipped  int

	// OrphanNodes counts uncommitted node records found above the horizon.
	OrphanNodes int

	TornTails      int
	TruncatedBytes int64

	Duration time.Duration
}

// recover rebuilds the in-memory state the catalogue does not hold: garbage
// counters, torn tails and the index entries of records appended after the
// last checkpoint.
//
// Children are always written before their parents and a checkpoint syncs
// every segment before the catalogue names a root, so each committed tree
// lies at or below the horizon and every record above it is uncommitted.
func (c *Controller) recover(cat Catalogue) error {
	start := time.Now()
	stats := RecoveryStats{Horizon: cat.Horizon()}

	var replay []dbformat.Address
	for _, seg := range c.alloc.Segments() {
		var err error
		if replay, err = c.scanSegment(seg, stats.Horizon, replay, &stats); err != nil {
			return err
		}
	}

	for i, root := range cat.Roots {
		if root.IsNil() {
			continue
		}
		if _, err := (nodeStore{c}).ReadNode(root); err != nil {
			return fmt.Errorf("%w: root of index %d at %v: %w", dbformat.ErrCorruption, i, root, err)
		}
	}

	c.replaying = true
	defer func() { c.replaying = false }()
	for _, addr := range replay {
		rec, err := c.codec.ReadRecordAt(addr)
		if err != nil {
			return err
		}
		keys, err := c.extract(rec.Payload)
		if err != nil {
			c.logger.Warnf(logging.NSRecovery+"record at %v not replayed: %v", addr, err)
			stats.Skipped++
			continue
		}
		if _, _, err := c.index(addr, keys); err != nil {
			return err
		}
		c.mutations++
		stats.Replayed++
	}

	switch {
	case stats.Replayed > 0 || len(c.retired) > 0:
		if err := c.Checkpoint(); err != nil {
			return err
		}
	case stats.TornTails > 0:
		if err := c.alloc.Flush(); err != nil {
			return err
		}
	}
	stats.Duration = time.Since(start)
	c.recovery = stats

	if stats.Replayed > 0 || stats.OrphanNodes > 0 || stats.TornTails > 0 {
		c.logger.Infof(logging.NSRecovery+"replayed %d records after %v, skipped %d, dropped %d orphan nodes, truncated %d torn tails (%d bytes) in %v",
			stats.Replayed, stats.Horizon, stats.Skipped, stats.OrphanNodes, stats.TornTails, stats.TruncatedBytes, stats.Duration)
	}
	return nil
}

// scanSegment walks one segment, rebuilds its garbage counter and truncates
// a torn tail. Data records above horizon are appended to replay; node
// records above it belong to no committed tree and are retired.
func (c *Controller) scanSegment(seg *segment.Segment, horizon dbformat.Address, replay []dbformat.Address, stats *RecoveryStats) ([]dbformat.Address, error) {
	stats.SegmentsScanned++
	var garbage int64
	s := record.NewScanner(seg)
	for s.Next() {
		stats.RecordsScanned++
		h := s.Record().Header
		switch addr := s.Addr(); {
		case h.IsGarbage():
			garbage += h.Size()
		case addr <= horizon:
		case h.IsNode():
			c.retired = append(c.retired, addr)
			stats.OrphanNodes++
		default:
			replay = append(replay, addr)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	if off, torn := s.TornAt(); torn {
		cut := seg.Length() - off
		c.logger.Warnf(logging.NSRecovery+"segment %d: torn tail at %d, discarding %d bytes", seg.Ordinal(), off, cut)
		if err := seg.Truncate(off); err != nil {
			return nil, err
		}
		stats.TornTails++
		stats.TruncatedBytes += cut
	}
	seg.SetGarbage(garbage)
	return replay, nil
}

// Recovery returns the statistics of the recovery run by Open.
func (c *Controller) Recovery() RecoveryStats { return c.recovery }
