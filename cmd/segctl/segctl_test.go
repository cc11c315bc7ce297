package main

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/segdb"
	"github.com/aalhour/segdb/internal/config"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/server"
)

// run executes segctl with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env", "", "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestSegctl_KeyValue(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db := "--db=" + dir

	assert.Contains(t, mustRun(t, db, "put", "alpha", "one"), "OK")
	mustRun(t, db, "put", "beta", "0x0102")
	mustRun(t, db, "put", "gamma", "three")

	assert.Equal(t, "one\n", mustRun(t, db, "get", "alpha"))
	assert.Equal(t, "0102\n", mustRun(t, db, "get", "beta"))

	out := mustRun(t, db, "scan", "--from", "beta")
	assert.Contains(t, out, "beta => 0102")
	assert.Contains(t, out, "gamma => three")
	assert.NotContains(t, out, "alpha")
	assert.Contains(t, out, "(2 entries)")

	assert.Contains(t, mustRun(t, db, "delete", "alpha"), "Deleted")
	assert.Contains(t, mustRun(t, db, "delete", "alpha"), "Not found")
	_, err := run(t, db, "get", "alpha")
	require.Error(t, err)

	assert.Equal(t, "OK\n", mustRun(t, db, "checkpoint"))
	assert.Equal(t, "OK\n", mustRun(t, db, "verify"))
	out = mustRun(t, db, "stat")
	assert.Contains(t, out, "index 0: 2 keys")
	assert.Contains(t, out, "(active)")
}

func TestSegctl_MissingDatabase(t *testing.T) {
	_, err := run(t, "--db="+filepath.Join(t.TempDir(), "none"), "get", "k")
	require.ErrorIs(t, err, segdb.ErrDBNotFound)
}

func TestSegctl_Uint64Keys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	flags := []string{"--db=" + dir, "--key-format=uint64"}
	for _, k := range []string{"30", "10", "20"} {
		mustRun(t, append(flags, "put", k, "v"+k)...)
	}
	out := mustRun(t, append(flags, "scan")...)
	assert.Equal(t, "10 => v10\n20 => v20\n30 => v30\n(3 entries)\n", out)

	_, err := run(t, append(flags, "put", "ten", "v")...)
	require.Error(t, err)
}

func TestSegctl_Dump(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db := "--db=" + dir
	mustRun(t, db, "put", "k", "v1")
	mustRun(t, db, "put", "k", "v2")

	out := mustRun(t, db, "dump", "--payloads", filepath.Join(dir, "000001.seg"))
	assert.Contains(t, out, "Segment 1")
	assert.Contains(t, out, "garbage", "the first version was superseded")
	assert.Regexp(t, regexp.MustCompile(`\(\d+ records, [1-9]\d* garbage\)`), out)

	out = mustRun(t, db, "dump", filepath.Join(dir, "000000.seg"))
	assert.Contains(t, out, "Catalogue: degree 32, 1 indexes")
}

func TestSegctl_Compact(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	flags := []string{"--db=" + dir, "--degree=2", "--segment-size=512", "--compaction-threshold=0.9"}
	for round := range 4 {
		for i := range 6 {
			mustRun(t, append(flags, "put", fmt.Sprintf("key%d", i), fmt.Sprint(round))...)
		}
	}
	out := mustRun(t, append(flags, "compact")...)
	assert.Contains(t, out, "Compacted segment")
	assert.Equal(t, "3\n", mustRun(t, append(flags, "get", "key5")...))
	assert.Equal(t, "OK\n", mustRun(t, append(flags, "verify")...))

	_, err := run(t, append(flags, "compact", "--segment=999")...)
	require.Error(t, err)
}

func TestSegctl_Backup(t *testing.T) {
	root := t.TempDir()
	flags := []string{
		"--db=" + filepath.Join(root, "db"),
		"--backup-dir=" + filepath.Join(root, "backups"),
		"--backup-compression=zstd",
	}
	mustRun(t, append(flags, "put", "k", "before")...)
	out := mustRun(t, append(flags, "backup", "create")...)
	require.Contains(t, out, "Created backup")
	id := strings.Fields(out)[2]
	id = strings.TrimSuffix(id, ":")

	mustRun(t, append(flags, "put", "k", "after")...)
	mustRun(t, append(flags, "backup", "create")...)
	assert.Contains(t, mustRun(t, append(flags, "backup", "list")...), "(2 backups)")

	restored := filepath.Join(root, "restored")
	mustRun(t, append(flags, "backup", "restore", id, restored)...)
	assert.Equal(t, "before\n", mustRun(t, "--db="+restored, "get", "k"))

	mustRun(t, append(flags, "backup", "purge", "--keep=1")...)
	out = mustRun(t, append(flags, "backup", "list")...)
	assert.Contains(t, out, "(1 backups)")
	assert.NotContains(t, out, id)
}

func TestSegctl_Remote(t *testing.T) {
	opts := segdb.DefaultOptions()
	opts.Logger = logging.Discard
	db, err := segdb.Open(filepath.Join(t.TempDir(), "db"), opts)
	require.NoError(t, err)
	defer db.Close()
	ts := httptest.NewServer(server.New(db, "", logging.Discard).Handler())
	defer ts.Close()

	remote := "--server=" + ts.URL
	mustRun(t, remote, "put", "k1", "v1")
	mustRun(t, remote, "put", "k2", "v2")
	assert.Equal(t, "v1\n", mustRun(t, remote, "get", "k1"))
	assert.Contains(t, mustRun(t, remote, "scan"), "(2 entries)")
	assert.Contains(t, mustRun(t, remote, "delete", "k1"), "Deleted")
	assert.Equal(t, "OK\n", mustRun(t, remote, "checkpoint"))
	assert.Contains(t, mustRun(t, remote, "stat"), "index 0: 1 keys")
	assert.Contains(t, mustRun(t, remote, "compact"), "No segment")

	_, err = run(t, remote, "verify")
	require.ErrorIs(t, err, errRemoteUnsupported)
	_, err = run(t, remote, "backup", "list")
	require.ErrorIs(t, err, errRemoteUnsupported)
}

func TestBuildContainer(t *testing.T) {
	cfg := config.Default()
	cfg.Dir = filepath.Join(t.TempDir(), "db")
	cfg.LogLevel = "error"
	c, err := buildContainer(cfg)
	require.NoError(t, err)

	err = c.Invoke(func(s *server.Server, db *segdb.DB) error {
		defer db.Close()
		ts := httptest.NewServer(s.Handler())
		defer ts.Close()
		_, err := run(t, "--server="+ts.URL, "put", "k", "v")
		if err != nil {
			return err
		}
		_, found, err := db.Get([]byte("k"))
		if err != nil {
			return err
		}
		assert.True(t, found)
		return nil
	})
	require.NoError(t, err)

	cfg.KeyFormat = "json"
	c, err = buildContainer(cfg)
	require.NoError(t, err)
	require.Error(t, c.Invoke(func(*segdb.DB) {}))
}
