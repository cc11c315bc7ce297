// Package config loads the settings of the segctl tool from the environment.
//
// Variables are read from the process environment after an optional .env
// file has been loaded. Variables already set in the environment win over
// the file. Every variable is prefixed with SEGDB_; unset variables keep
// their defaults, and command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/aalhour/segdb"
	"github.com/aalhour/segdb/internal/compression"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/keyformat"
)

// Environment variable names.
const (
	EnvDir                 = "SEGDB_DIR"
	EnvKeyFormat           = "SEGDB_KEY_FORMAT"
	EnvDegree              = "SEGDB_DEGREE"
	EnvSegmentSize         = "SEGDB_SEGMENT_SIZE"
	EnvNodeCacheSize       = "SEGDB_NODE_CACHE_SIZE"
	EnvCompactionThreshold = "SEGDB_COMPACTION_THRESHOLD"
	EnvCheckpointEvery     = "SEGDB_CHECKPOINT_EVERY"
	EnvLogLevel            = "SEGDB_LOG_LEVEL"
	EnvAddr                = "SEGDB_ADDR"
	EnvServer              = "SEGDB_SERVER"
	EnvBackupDir           = "SEGDB_BACKUP_DIR"
	EnvBackupCompression   = "SEGDB_BACKUP_COMPRESSION"
)

// Key format names.
const (
	KeyFormatFramed     = "framed"
	KeyFormatUint64     = "uint64"
	KeyFormatFramedHash = "framed+hash"
)

// ErrInvalid is returned for a variable that cannot be parsed.
var ErrInvalid = errors.New("config: invalid value")

// Config holds the settings shared by the segctl commands.
type Config struct {
	// Dir is the database directory.
	Dir string

	KeyFormat           string
	Degree              int
	SegmentSize         int64
	NodeCacheSize       int
	CompactionThreshold float64
	CheckpointEvery     int

	LogLevel string

	// Addr is the listen address of segctl serve.
	Addr string

	// Server is the base URL of a running segctl serve. When set, the
	// key-value commands go through it instead of opening Dir.
	Server string

	BackupDir         string
	BackupCompression string
}

// Default returns the defaults, matching segdb.DefaultOptions.
func Default() Config {
	opts := segdb.DefaultOptions()
	return Config{
		Dir:                 "./segdb-data",
		KeyFormat:           KeyFormatFramed,
		Degree:              opts.Degree,
		SegmentSize:         opts.SegmentSize,
		NodeCacheSize:       opts.NodeCacheSize,
		CompactionThreshold: opts.CompactionUtilityThreshold,
		LogLevel:            "warn",
		Addr:                ":7070",
		BackupDir:           "./segdb-backups",
		BackupCompression:   compression.SnappyCompression.String(),
	}
}

// Load reads envFile, if it exists, into the environment and returns the
// defaults overridden by the SEGDB_ variables. An empty envFile skips the
// file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	cfg := Default()
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalid, name, v))
				return
			}
			*dst = n
		}
	}

	str(EnvDir, &cfg.Dir)
	str(EnvKeyFormat, &cfg.KeyFormat)
	integer(EnvDegree, &cfg.Degree)
	if v, ok := os.LookupEnv(EnvSegmentSize); ok {
		n, err := ParseSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalid, EnvSegmentSize, v))
		} else {
			cfg.SegmentSize = n
		}
	}
	integer(EnvNodeCacheSize, &cfg.NodeCacheSize)
	if v, ok := os.LookupEnv(EnvCompactionThreshold); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalid, EnvCompactionThreshold, v))
		} else {
			cfg.CompactionThreshold = f
		}
	}
	integer(EnvCheckpointEvery, &cfg.CheckpointEvery)
	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvAddr, &cfg.Addr)
	str(EnvServer, &cfg.Server)
	str(EnvBackupDir, &cfg.BackupDir)
	str(EnvBackupCompression, &cfg.BackupCompression)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseSize parses a byte count with an optional K, M or G suffix.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n * mult, nil
}

// ParseKeyFormat returns the key format with the given name.
func ParseKeyFormat(name string) (keyformat.Format, error) {
	switch strings.ToLower(name) {
	case KeyFormatFramed, "":
		return keyformat.Framed, nil
	case KeyFormatUint64:
		return keyformat.Uint64, nil
	case KeyFormatFramedHash:
		return keyformat.WithContentHash(keyformat.Framed), nil
	default:
		return nil, fmt.Errorf("%w: key format %q", ErrInvalid, name)
	}
}

// Logger returns a DefaultLogger at the configured level.
func (c Config) Logger() (*logging.DefaultLogger, error) {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return logging.NewDefaultLogger(level), nil
}

// Options returns the database options for the configuration.
func (c Config) Options(logger logging.Logger) (*segdb.Options, error) {
	kf, err := ParseKeyFormat(c.KeyFormat)
	if err != nil {
		return nil, err
	}
	opts := segdb.DefaultOptions()
	opts.Logger = logger
	opts.KeyFormat = kf
	opts.Degree = c.Degree
	opts.SegmentSize = c.SegmentSize
	opts.NodeCacheSize = c.NodeCacheSize
	opts.CompactionUtilityThreshold = c.CompactionThreshold
	opts.CheckpointEvery = c.CheckpointEvery
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Compression returns the backup compression type.
func (c Config) Compression() (segdb.CompressionType, error) {
	t, err := compression.ParseType(c.BackupCompression)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return t, nil
}
