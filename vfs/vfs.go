// Package vfs exposes the filesystem abstraction the database runs on, so
// callers can open a database over an in-memory filesystem or inject faults.
package vfs

import (
	"github.com/aalhour/segdb/internal/vfs"
)

type (
	// FS is the filesystem interface used by the database.
	FS = vfs.FS

	// File is an open file with positional reads and writes.
	File = vfs.File

	// MemFS is an in-memory FS.
	MemFS = vfs.MemFS

	// FaultInjectionFS wraps an FS, injects errors and simulates crashes by
	// dropping unsynced bytes.
	FaultInjectionFS = vfs.FaultInjectionFS
)

// Errors returned by injected faults.
var (
	ErrInjectedReadError  = vfs.ErrInjectedReadError
	ErrInjectedWriteError = vfs.ErrInjectedWriteError
	ErrInjectedSyncError  = vfs.ErrInjectedSyncError

	// ErrLocked is returned when another process holds the database lock.
	ErrLocked = vfs.ErrLocked
)

// Default returns the operating system filesystem.
func Default() FS { return vfs.Default() }

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *MemFS { return vfs.NewMemFS() }

// NewFaultInjectionFS wraps base.
func NewFaultInjectionFS(base FS) *FaultInjectionFS { return vfs.NewFaultInjectionFS(base) }
