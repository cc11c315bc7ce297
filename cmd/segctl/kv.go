package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPutCmd(a *app) *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Insert a record",
		Long: "Insert a record built from key and value in the configured key format, " +
			"or the raw --payload. Arguments prefixed with 0x are hex.",
		Args: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("payload") {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if cmd.Flags().Changed("payload") {
				p, err := parseInput(raw)
				if err != nil {
					return err
				}
				payload = p
			} else {
				key, err := a.parseKey(args[0])
				if err != nil {
					return err
				}
				value, err := parseInput(args[1])
				if err != nil {
					return err
				}
				payload = a.makePayload(key, value)
			}

			s, err := a.openStore(true)
			if err != nil {
				return err
			}
			addr, err := s.Put(payload)
			if err != nil {
				_ = s.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK %v\n", addr)
			return s.Close()
		},
	}
	cmd.Flags().StringVar(&raw, "payload", "", "Raw payload to store instead of <key> <value>")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var index int
	var full bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get the record stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.lookupKey(index, args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer s.Close()

			payload, found, err := s.GetIndex(index, key)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key not found: %s", args[0])
			}
			if !full {
				payload = a.splitPayload(payload)
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.formatOutput(payload))
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "Index to look the key up in")
	cmd.Flags().BoolVar(&full, "payload", false, "Print the whole payload instead of the value")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.parseKey(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(false)
			if err != nil {
				return err
			}
			addr, found, err := s.Delete(key)
			if err != nil {
				_ = s.Close()
				return err
			}
			if found {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %v\n", addr)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Not found")
			}
			return s.Close()
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	var (
		index    int
		from, to string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a key range in key order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var lo, hi []byte
			var err error
			if from != "" {
				if lo, err = a.lookupKey(index, from); err != nil {
					return err
				}
			}
			if to != "" {
				if hi, err = a.lookupKey(index, to); err != nil {
					return err
				}
			}
			s, err := a.openStore(false)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			count := 0
			err = s.Scan(index, lo, hi, limit, func(key, payload []byte) {
				k := a.formatOutput(key)
				if index == 0 {
					k = a.formatKey(key)
				}
				fmt.Fprintf(out, "%s => %s\n", k, a.formatOutput(a.splitPayload(payload)))
				count++
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "(%d entries)\n", count)
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "Index to scan")
	cmd.Flags().StringVar(&from, "from", "", "First key (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "Last key (exclusive)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries (0 = unlimited)")
	return cmd
}

// lookupKey parses a key argument for index i. Secondary keys are taken as
// given.
func (a *app) lookupKey(i int, arg string) ([]byte, error) {
	if i == 0 {
		return a.parseKey(arg)
	}
	return parseInput(arg)
}
