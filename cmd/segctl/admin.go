package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aalhour/segdb"
	"github.com/aalhour/segdb/internal/controller"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/record"
	"github.com/aalhour/segdb/internal/segment"
	"github.com/aalhour/segdb/internal/vfs"
)

func newCheckpointCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Commit the catalogue and mark superseded records as garbage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(false)
			if err != nil {
				return err
			}
			if err := s.Checkpoint(); err != nil {
				_ = s.Close()
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return s.Close()
		},
	}
}

func newCompactCmd(a *app) *cobra.Command {
	var ordinal uint16
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim the sealed segment with the lowest utility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var target *uint16
			if cmd.Flags().Changed("segment") {
				target = &ordinal
			}
			s, err := a.openStore(false)
			if err != nil {
				return err
			}
			res, err := s.Compact(target)
			if err != nil {
				_ = s.Close()
				return err
			}
			out := cmd.OutOrStdout()
			if res == nil {
				fmt.Fprintln(out, "No segment below the utility threshold")
			} else {
				fmt.Fprintf(out, "Compacted segment %d: %d/%d records moved (%d bytes), %d nodes moved, %d bytes reclaimed in %v\n",
					res.Segment, res.RecordsMoved, res.RecordsScanned, res.BytesMoved, res.NodesMoved, res.BytesReclaimed, res.Duration)
			}
			return s.Close()
		},
	}
	cmd.Flags().Uint16Var(&ordinal, "segment", 0, "Compact this segment regardless of its utility")
	return cmd
}

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print engine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer s.Close()
			st, err := s.Stats()
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStats(w io.Writer, st *segdb.Stats) {
	fmt.Fprintf(w, "Degree:    %d\n", st.Degree)
	fmt.Fprintf(w, "Indexes:   %d\n", st.Indexes)
	for i := range st.Indexes {
		fmt.Fprintf(w, "  index %d: %d keys, height %d, root %v (committed %v)\n",
			i, st.Keys[i], st.Heights[i], st.Roots[i], st.Committed[i])
	}
	fmt.Fprintf(w, "Pending:   %d mutations, %d addresses to mark\n", st.UncommittedMutations, st.PendingGarbage)
	fmt.Fprintf(w, "Cache:     %d nodes, %d hits, %d misses\n", st.CachedNodes, st.CacheHits, st.CacheMisses)
	r := st.Recovery
	fmt.Fprintf(w, "Recovery:  %d segments, %d records scanned, %d replayed, %d orphan nodes, %d torn tails in %v\n",
		r.SegmentsScanned, r.RecordsScanned, r.Replayed, r.OrphanNodes, r.TornTails, r.Duration)
	fmt.Fprintf(w, "Segments:  %d\n", len(st.Segments))
	for _, s := range st.Segments {
		active := ""
		if s.Active {
			active = " (active)"
		}
		fmt.Fprintf(w, "  %06d: %d bytes, %d garbage, utility %.2f%s\n", s.Ordinal, s.Length, s.Garbage, s.Utility, active)
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every tree and index entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Server != "" {
				return errRemoteUnsupported
			}
			db, err := a.openDB(false)
			if err != nil {
				return err
			}
			if err := db.Verify(); err != nil {
				_ = db.Close()
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return db.Close()
		},
	}
}

func newDumpCmd(a *app) *cobra.Command {
	var payloads bool
	cmd := &cobra.Command{
		Use:   "dump <segment-file>",
		Short: "List the records of one segment file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, err := segment.Open(vfs.Default(), args[0])
			if err != nil {
				return err
			}
			defer seg.Close()
			return a.dump(cmd.OutOrStdout(), seg, payloads)
		},
	}
	cmd.Flags().BoolVar(&payloads, "payloads", false, "Print data record payloads")
	return cmd
}

func (a *app) dump(w io.Writer, seg *segment.Segment, payloads bool) error {
	fmt.Fprintf(w, "Segment %d: %d bytes\n", seg.Ordinal(), seg.Length())
	if seg.Ordinal() == dbformat.PrimaryOrdinal {
		cat, ok, err := controller.ReadCatalogue(seg)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "Catalogue: not written")
			return nil
		}
		fmt.Fprintf(w, "Catalogue: degree %d, %d indexes, horizon %v\n", cat.Degree, cat.Indexes(), cat.Horizon())
		for i, r := range cat.Roots {
			fmt.Fprintf(w, "  root %d: %v\n", i, r)
		}
		return nil
	}

	s := record.NewScanner(seg)
	var records, garbage int
	for s.Next() {
		rec := s.Record()
		records++
		state := ""
		if rec.Header.IsGarbage() {
			garbage++
			state = " garbage"
		}
		fmt.Fprintf(w, "%v %-15s %8d bytes%s", s.Addr(), rec.Header.Flags, rec.Header.Length, state)
		if payloads && !rec.Header.IsNode() {
			p, err := s.Payload()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %s", a.formatOutput(p))
		}
		fmt.Fprintln(w)
	}
	if err := s.Err(); err != nil {
		return err
	}
	fmt.Fprintf(w, "(%d records, %d garbage)\n", records, garbage)
	if off, torn := s.TornAt(); torn {
		fmt.Fprintf(w, "Torn tail at offset %d (%d bytes)\n", off, seg.Length()-off)
	}
	return nil
}
