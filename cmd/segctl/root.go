package main

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/aalhour/segdb/internal/config"
)

// app holds the settings shared by every command.
type app struct {
	envFile string
	cfg     config.Config

	segmentSize string
	hexOutput   bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "segctl",
		Short:         "Operate SegDB databases",
		Long:          "segctl reads and writes SegDB databases, directly or through a running segctl serve.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	def := config.Default()
	f := root.PersistentFlags()
	f.StringVar(&a.envFile, "env", ".env", "Environment file to load")
	f.StringVar(&a.cfg.Dir, "db", def.Dir, "Database directory")
	f.StringVar(&a.cfg.KeyFormat, "key-format", def.KeyFormat, "Key format: framed, uint64 or framed+hash")
	f.IntVar(&a.cfg.Degree, "degree", def.Degree, "B+Tree degree")
	f.StringVar(&a.segmentSize, "segment-size", "", "Segment roll threshold, e.g. 64M")
	f.IntVar(&a.cfg.CheckpointEvery, "checkpoint-every", def.CheckpointEvery, "Checkpoint after this many mutations (0 = on close only)")
	f.Float64Var(&a.cfg.CompactionThreshold, "compaction-threshold", def.CompactionThreshold, "Utility below which compact reclaims a segment")
	f.StringVar(&a.cfg.LogLevel, "log-level", def.LogLevel, "Log level: error, warn, info or debug")
	f.StringVar(&a.cfg.Server, "server", def.Server, "Base URL of a segctl serve to talk to instead of --db")
	f.StringVar(&a.cfg.BackupDir, "backup-dir", def.BackupDir, "Backup directory")
	f.StringVar(&a.cfg.BackupCompression, "backup-compression", def.BackupCompression, "Backup compression: none, snappy, zlib, lz4, lz4hc or zstd")
	f.BoolVar(&a.hexOutput, "hex", false, "Print keys and values in hex")

	root.AddCommand(
		newPutCmd(a),
		newGetCmd(a),
		newDeleteCmd(a),
		newScanCmd(a),
		newCheckpointCmd(a),
		newCompactCmd(a),
		newStatCmd(a),
		newVerifyCmd(a),
		newDumpCmd(a),
		newBackupCmd(a),
		newServeCmd(a),
	)
	return root
}

// load reads the environment and lets explicitly set flags win.
func (a *app) load(cmd *cobra.Command) error {
	env, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	keep := func(name string, flagValue, envValue any) {
		if flags.Changed(name) {
			return
		}
		switch p := flagValue.(type) {
		case *string:
			*p = envValue.(string)
		case *int:
			*p = envValue.(int)
		case *float64:
			*p = envValue.(float64)
		}
	}
	keep("db", &a.cfg.Dir, env.Dir)
	keep("key-format", &a.cfg.KeyFormat, env.KeyFormat)
	keep("degree", &a.cfg.Degree, env.Degree)
	keep("checkpoint-every", &a.cfg.CheckpointEvery, env.CheckpointEvery)
	keep("compaction-threshold", &a.cfg.CompactionThreshold, env.CompactionThreshold)
	keep("log-level", &a.cfg.LogLevel, env.LogLevel)
	keep("server", &a.cfg.Server, env.Server)
	keep("backup-dir", &a.cfg.BackupDir, env.BackupDir)
	keep("backup-compression", &a.cfg.BackupCompression, env.BackupCompression)
	a.cfg.NodeCacheSize = env.NodeCacheSize
	a.cfg.Addr = env.Addr

	a.cfg.SegmentSize = env.SegmentSize
	if flags.Changed("segment-size") {
		n, err := config.ParseSize(a.segmentSize)
		if err != nil {
			return err
		}
		a.cfg.SegmentSize = n
	}
	return nil
}

// formatOutput prints data as text when it is printable, else as hex.
func (a *app) formatOutput(data []byte) string {
	if a.hexOutput {
		return hex.EncodeToString(data)
	}
	for _, r := range string(data) {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

// parseInput decodes a 0x-prefixed argument as hex and takes anything else
// literally.
func parseInput(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		return hex.DecodeString(s[2:])
	}
	return []byte(s), nil
}
