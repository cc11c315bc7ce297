package segdb

// backup.go implements BackupEngine for creating and managing database backups.
//
// A backup is a directory named by a random UUID holding every segment file
// of the database, each compressed on its own, and a JSON manifest. The
// manifest is written last, so a directory without one is an interrupted
// backup and is ignored.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aalhour/segdb/internal/checksum"
	"github.com/aalhour/segdb/internal/compression"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/segment"
	"github.com/aalhour/segdb/vfs"
)

const backupManifestName = "backup.json"

// ErrBackupNotFound is returned for an unknown backup ID.
var ErrBackupNotFound = errors.New("segdb: backup not found")

// BackupOptions configures a BackupEngine.
type BackupOptions struct {
	// FS holds the backup directory. Default: the operating system
	// filesystem.
	FS vfs.FS

	// Compression is applied to every segment file. Default: none.
	Compression CompressionType

	Logger Logger
}

// BackupEngine manages database backups.
type BackupEngine struct {
	backupDir   string
	fs          vfs.FS
	compression CompressionType
	logger      logging.Logger
}

// BackupInfo contains information about a backup.
type BackupInfo struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Compression string    `json:"compression"`
	Size        int64     `json:"size"`
	StoredSize  int64     `json:"stored_size"`
	NumFiles    int       `json:"num_files"`
}

// backupMeta is the manifest format of a backup.
type backupMeta struct {
	BackupInfo
	Files []backupFile `json:"files"`
}

type backupFile struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	StoredSize int64  `json:"stored_size"`
	Checksum   uint64 `json:"checksum"`
}

// CreateBackupEngine opens or creates the backup directory. A nil opts uses
// the operating system filesystem without compression.
func CreateBackupEngine(backupDir string, opts *BackupOptions) (*BackupEngine, error) {
	if opts == nil {
		opts = &BackupOptions{}
	}
	if !opts.Compression.IsSupported() {
		return nil, fmt.Errorf("%w: %v", compression.ErrUnsupported, opts.Compression)
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	if err := fs.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("segdb: failed to create backup directory: %w", err)
	}
	return &BackupEngine{
		backupDir:   backupDir,
		fs:          fs,
		compression: opts.Compression,
		logger:      logging.OrDefault(opts.Logger),
	}, nil
}

// CreateNewBackup checkpoints db and copies its segment files into a new
// backup.
func (be *BackupEngine) CreateNewBackup(db *DB) (*BackupInfo, error) {
	if err := db.Checkpoint(); err != nil {
		return nil, err
	}
	names, err := segmentFiles(db.fs, db.name)
	if err != nil {
		return nil, err
	}
	existing, err := be.GetBackupInfo()
	if err != nil {
		return nil, err
	}
	var seq uint64
	for _, b := range existing {
		seq = max(seq, b.Sequence)
	}

	id := uuid.NewString()
	dir := filepath.Join(be.backupDir, id)
	be.logger.Infof(logging.NSBackup+"creating backup %s of %s", id, db.name)
	if err := be.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("segdb: failed to create backup dir: %w", err)
	}

	meta := &backupMeta{BackupInfo: BackupInfo{
		ID:          id,
		Sequence:    seq + 1,
		Timestamp:   time.Now().UTC(),
		Compression: be.compression.String(),
	}}
	for _, name := range names {
		data, err := readFile(db.fs, filepath.Join(db.name, name))
		if err != nil {
			return nil, fmt.Errorf("segdb: failed to read %s: %w", name, err)
		}
		stored, err := compression.Compress(be.compression, data)
		if err != nil {
			return nil, fmt.Errorf("segdb: failed to compress %s: %w", name, err)
		}
		if err := writeFile(be.fs, filepath.Join(dir, name), stored); err != nil {
			return nil, fmt.Errorf("segdb: failed to backup %s: %w", name, err)
		}
		meta.Files = append(meta.Files, backupFile{
			Name:       name,
			Size:       int64(len(data)),
			StoredSize: int64(len(stored)),
			Checksum:   checksum.Sum64(data),
		})
		meta.Size += int64(len(data))
		meta.StoredSize += int64(len(stored))
	}
	meta.NumFiles = len(meta.Files)

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("segdb: failed to marshal backup metadata: %w", err)
	}
	tmp := filepath.Join(dir, backupManifestName+".tmp")
	if err := writeFile(be.fs, tmp, metaData); err != nil {
		return nil, fmt.Errorf("segdb: failed to write backup metadata: %w", err)
	}
	if err := be.fs.Rename(tmp, filepath.Join(dir, backupManifestName)); err != nil {
		return nil, fmt.Errorf("segdb: failed to write backup metadata: %w", err)
	}
	if err := be.fs.SyncDir(dir); err != nil {
		return nil, fmt.Errorf("segdb: failed to sync backup dir: %w", err)
	}

	be.logger.Infof(logging.NSBackup+"completed backup %s: %d files, %d bytes stored as %d",
		id, meta.NumFiles, meta.Size, meta.StoredSize)
	info := meta.BackupInfo
	return &info, nil
}

// GetBackupInfo returns every complete backup, oldest first.
func (be *BackupEngine) GetBackupInfo() ([]BackupInfo, error) {
	entries, err := be.fs.ListDir(be.backupDir)
	if err != nil {
		return nil, fmt.Errorf("segdb: failed to list backups: %w", err)
	}
	var infos []BackupInfo
	for _, id := range entries {
		if !be.fs.Exists(filepath.Join(be.backupDir, id, backupManifestName)) {
			continue
		}
		meta, err := be.readMeta(id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, meta.BackupInfo)
	}
	slices.SortFunc(infos, func(a, b BackupInfo) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	return infos, nil
}

// VerifyBackup decompresses every file of a backup and checks its checksum.
func (be *BackupEngine) VerifyBackup(id string) error {
	meta, err := be.readMeta(id)
	if err != nil {
		return err
	}
	for _, f := range meta.Files {
		if _, err := be.readBackupFile(id, meta, f); err != nil {
			return err
		}
	}
	return nil
}

// RestoreDBFromBackup recreates the database of a backup in dbDir. The
// directory must not hold a database.
func (be *BackupEngine) RestoreDBFromBackup(id, dbDir string, fs vfs.FS) error {
	if fs == nil {
		fs = vfs.Default()
	}
	meta, err := be.readMeta(id)
	if err != nil {
		return err
	}
	if existing, err := segmentFiles(fs, dbDir); err == nil && len(existing) > 0 {
		return fmt.Errorf("%w: %s", ErrDBExists, dbDir)
	}
	if err := fs.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("segdb: failed to create %s: %w", dbDir, err)
	}

	be.logger.Infof(logging.NSBackup+"restoring backup %s to %s", id, dbDir)
	for _, f := range meta.Files {
		data, err := be.readBackupFile(id, meta, f)
		if err != nil {
			return err
		}
		if err := writeFile(fs, filepath.Join(dbDir, f.Name), data); err != nil {
			return fmt.Errorf("segdb: failed to restore %s: %w", f.Name, err)
		}
	}
	if err := fs.SyncDir(dbDir); err != nil {
		return fmt.Errorf("segdb: failed to sync %s: %w", dbDir, err)
	}
	be.logger.Infof(logging.NSBackup+"restored backup %s: %d files", id, len(meta.Files))
	return nil
}

// DeleteBackup deletes a backup.
func (be *BackupEngine) DeleteBackup(id string) error {
	dir := filepath.Join(be.backupDir, id)
	if !validBackupID(id) || !be.fs.Exists(filepath.Join(dir, backupManifestName)) {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err := be.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("segdb: failed to delete backup %s: %w", id, err)
	}
	be.logger.Infof(logging.NSBackup+"deleted backup %s", id)
	return nil
}

// PurgeOldBackups deletes all but the newest numToKeep backups.
func (be *BackupEngine) PurgeOldBackups(numToKeep int) error {
	infos, err := be.GetBackupInfo()
	if err != nil {
		return err
	}
	if numToKeep < 0 {
		numToKeep = 0
	}
	for len(infos) > numToKeep {
		if err := be.DeleteBackup(infos[0].ID); err != nil {
			return err
		}
		infos = infos[1:]
	}
	return nil
}

// readMeta loads and checks the manifest of backup id. The manifest must name
// its own directory and list only segment files inside it.
func (be *BackupEngine) readMeta(id string) (*backupMeta, error) {
	if !validBackupID(id) {
		return nil, fmt.Errorf("%w: %q", ErrBackupNotFound, id)
	}
	name := filepath.Join(be.backupDir, id, backupManifestName)
	data, err := readFile(be.fs, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return nil, fmt.Errorf("segdb: failed to read backup metadata: %w", err)
	}
	var meta backupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: backup %s metadata: %w", ErrCorruption, id, err)
	}
	if meta.ID != id {
		return nil, fmt.Errorf("%w: backup %s manifest belongs to %q", ErrCorruption, id, meta.ID)
	}
	for _, f := range meta.Files {
		if filepath.Base(f.Name) != f.Name || !segment.IsSegmentFile(f.Name) {
			return nil, fmt.Errorf("%w: backup %s lists file %q", ErrCorruption, id, f.Name)
		}
	}
	return &meta, nil
}

func validBackupID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}

func (be *BackupEngine) readBackupFile(id string, meta *backupMeta, f backupFile) ([]byte, error) {
	ctype, err := compression.ParseType(meta.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: backup %s: %w", ErrCorruption, id, err)
	}
	stored, err := readFile(be.fs, filepath.Join(be.backupDir, id, f.Name))
	if err != nil {
		return nil, fmt.Errorf("segdb: failed to read backup file %s: %w", f.Name, err)
	}
	data, err := compression.Decompress(ctype, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: backup %s file %s: %w", ErrCorruption, id, f.Name, err)
	}
	if int64(len(data)) != f.Size || checksum.Sum64(data) != f.Checksum {
		return nil, fmt.Errorf("%w: backup %s file %s: checksum mismatch", ErrCorruption, id, f.Name)
	}
	return data, nil
}

// segmentFiles lists the segment files of a database directory.
func segmentFiles(fs vfs.FS, dir string) ([]string, error) {
	entries, err := fs.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("segdb: failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if segment.IsSegmentFile(e) {
			names = append(names, e)
		}
	}
	return names, nil
}

func readFile(fs vfs.FS, name string) ([]byte, error) {
	f, err := fs.OpenFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if n, err := f.ReadAt(data, 0); err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return nil, err
	}
	return data, nil
}

func writeFile(fs vfs.FS, name string, data []byte) error {
	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
