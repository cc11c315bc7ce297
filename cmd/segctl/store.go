package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/aalhour/segdb"
	"github.com/aalhour/segdb/internal/client"
	"github.com/aalhour/segdb/internal/config"
	"github.com/aalhour/segdb/keyformat"
)

// store is what the key-value commands run against: an open database or a
// remote server.
type store interface {
	Put(payload []byte) (segdb.Address, error)
	GetIndex(i int, key []byte) ([]byte, bool, error)
	Delete(key []byte) (segdb.Address, bool, error)
	Scan(i int, from, to []byte, limit int, fn func(key, payload []byte)) error
	Checkpoint() error
	Compact(ordinal *uint16) (*segdb.CompactionResult, error)
	Stats() (*segdb.Stats, error)
	Close() error
}

var errRemoteUnsupported = errors.New("segctl: not available with --server")

// openStore opens the database, or connects to --server when it is set.
// create controls whether a missing database is created.
func (a *app) openStore(create bool) (store, error) {
	if a.cfg.Server != "" {
		return remoteStore{client.New(a.cfg.Server)}, nil
	}
	db, err := a.openDB(create)
	if err != nil {
		return nil, err
	}
	return localStore{db}, nil
}

func (a *app) openDB(create bool) (*segdb.DB, error) {
	logger, err := a.cfg.Logger()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.Options(logger)
	if err != nil {
		return nil, err
	}
	opts.CreateIfMissing = create
	return segdb.Open(a.cfg.Dir, opts)
}

type localStore struct{ db *segdb.DB }

func (s localStore) Put(payload []byte) (segdb.Address, error) { return s.db.Put(payload) }

func (s localStore) GetIndex(i int, key []byte) ([]byte, bool, error) {
	return s.db.GetIndex(i, key)
}

func (s localStore) Delete(key []byte) (segdb.Address, bool, error) { return s.db.Delete(key) }

func (s localStore) Scan(i int, from, to []byte, limit int, fn func(key, payload []byte)) error {
	n := 0
	return s.db.ScanIndex(i, from, to, func(key, payload []byte) bool {
		if limit > 0 && n == limit {
			return false
		}
		n++
		fn(key, payload)
		return true
	})
}

func (s localStore) Checkpoint() error { return s.db.Checkpoint() }

func (s localStore) Compact(ordinal *uint16) (*segdb.CompactionResult, error) {
	if ordinal != nil {
		return s.db.CompactSegment(*ordinal)
	}
	return s.db.Compact()
}

func (s localStore) Stats() (*segdb.Stats, error) {
	st, err := s.db.Stats()
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s localStore) Close() error { return s.db.Close() }

type remoteStore struct{ c *client.Client }

func (s remoteStore) Put(payload []byte) (segdb.Address, error) { return s.c.Put(payload) }

func (s remoteStore) GetIndex(i int, key []byte) ([]byte, bool, error) {
	return s.c.GetIndex(i, key)
}

func (s remoteStore) Delete(key []byte) (segdb.Address, bool, error) { return s.c.Delete(key) }

func (s remoteStore) Scan(i int, from, to []byte, limit int, fn func(key, payload []byte)) error {
	resp, err := s.c.Scan(i, from, to, limit)
	if err != nil {
		return err
	}
	for _, e := range resp.Entries {
		fn(e.Key, e.Payload)
	}
	return nil
}

func (s remoteStore) Checkpoint() error { return s.c.Checkpoint() }

func (s remoteStore) Compact(ordinal *uint16) (*segdb.CompactionResult, error) {
	return s.c.Compact(ordinal)
}

func (s remoteStore) Stats() (*segdb.Stats, error) { return s.c.Stats() }

func (s remoteStore) Close() error { return nil }

// parseKey turns a key argument into index-0 key bytes for the configured
// key format.
func (a *app) parseKey(arg string) ([]byte, error) {
	if a.cfg.KeyFormat == config.KeyFormatUint64 {
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("segctl: uint64 key %q: %w", arg, err)
		}
		return keyformat.Uint64Key(n), nil
	}
	return parseInput(arg)
}

// makePayload builds the payload carrying key and value in the configured
// key format.
func (a *app) makePayload(key, value []byte) []byte {
	if a.cfg.KeyFormat == config.KeyFormatUint64 {
		return append(key[:len(key):len(key)], value...)
	}
	return keyformat.Frame(key, value)
}

// splitPayload returns the value part of a payload in the configured key
// format, or the whole payload when it cannot be split.
func (a *app) splitPayload(payload []byte) []byte {
	if a.cfg.KeyFormat == config.KeyFormatUint64 {
		if len(payload) >= 8 {
			return payload[8:]
		}
		return payload
	}
	if _, v, err := keyformat.Unframe(payload); err == nil {
		return v
	}
	return payload
}

// formatKey prints a uint64 key as a number.
func (a *app) formatKey(key []byte) string {
	if a.cfg.KeyFormat == config.KeyFormatUint64 && len(key) == 8 {
		return strconv.FormatUint(binary.BigEndian.Uint64(key), 10)
	}
	return a.formatOutput(key)
}
