package controller

import (
	"slices"

	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/logging"
)

// Checkpoint commits the current roots of every index in one catalogue write
// and then marks the records and nodes they superseded as garbage.
//
// Order matters: segments are synced before the catalogue names anything in
// them, and garbage flags are flipped only after the catalogue no longer
// references the flagged records. A crash at any point leaves a catalogue
// whose trees are fully on disk. Failing to mark garbage does not fail the
// checkpoint; the space is just not accounted for.
func (c *Controller) Checkpoint() error {
	cat := c.catalogue()
	if slices.Equal(cat.Roots, c.committed) && len(c.retired) == 0 && c.mutations == 0 {
		return nil
	}

	if err := c.alloc.Flush(); err != nil {
		return err
	}
	if err := writeCatalogue(c.alloc.Primary(), cat); err != nil {
		return err
	}
	c.committed = cat.Roots
	c.mutations = 0

	retired := c.retired
	c.retired = nil
	var marked, bytes int64
	for _, addr := range retired {
		n, err := c.codec.MarkGarbage(addr)
		if err != nil {
			c.logger.Warnf(logging.NSCheckpoint+"cannot mark %v as garbage: %v", addr, err)
			continue
		}
		c.nodes.Erase(addr)
		if n > 0 {
			marked++
			bytes += n
		}
	}
	if err := c.alloc.Flush(); err != nil {
		c.logger.Warnf(logging.NSCheckpoint+"garbage flags not synced: %v", err)
	}
	c.logger.Debugf(logging.NSCheckpoint+"committed roots %v, %d records (%d bytes) now garbage",
		cat.Roots, marked, bytes)
	return nil
}

// catalogue returns the catalogue describing the current roots.
func (c *Controller) catalogue() Catalogue {
	cat := Catalogue{Degree: uint16(c.opts.Degree), Roots: make([]dbformat.Address, len(c.trees))}
	for i, t := range c.trees {
		cat.Roots[i] = t.Root()
	}
	return cat
}
