// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package offline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/familysync/internal/logging"
)

// SnapshotKey is the well-known name the queue snapshot is stored under.
const SnapshotKey = "offline_data"

// ErrSnapshotNotFound is returned by Store.Load when nothing has been persisted yet.
var ErrSnapshotNotFound = fmt.Errorf("offline snapshot not found")

// Store is a single-blob durable store for the queue snapshot.
// Persist always overwrites the whole blob.
type Store interface {
	Load() ([]byte, error)
	Persist(data []byte) error
	Close() error
}

// compactor is implemented by stores that accumulate garbage on overwrite.
type compactor interface {
	Compact() error
}

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	Path         string
	SyncWrites   bool
	InMemory     bool
	GCRatio      float64
	CloseTimeout time.Duration
}

// BadgerStore keeps the snapshot under SnapshotKey in a BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	cfg BadgerConfig
}

// OpenBadgerStore opens (or creates) the database at cfg.Path.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger store: path is required")
	}
	if cfg.GCRatio <= 0 || cfg.GCRatio >= 1 {
		cfg.GCRatio = 0.5
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	// The snapshot is small; keep the footprint suitable for a device.
	opts.MemTableSize = 8 << 20
	opts.ValueLogFileSize = 16 << 20
	opts.NumCompactors = 2
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Offline store opened")
	return &BadgerStore{db: db, cfg: cfg}, nil
}

// Load implements Store.
func (s *BadgerStore) Load() ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(SnapshotKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Persist implements Store.
func (s *BadgerStore) Persist(data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(SnapshotKey), data)
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Compact reclaims value log space left behind by earlier snapshots.
func (s *BadgerStore) Compact() error {
	if s.cfg.InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(s.cfg.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Close closes the database, giving up after CloseTimeout.
func (s *BadgerStore) Close() error {
	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Offline store closed")
		return nil
	case <-time.After(s.cfg.CloseTimeout):
		logging.Warn().Dur("timeout", s.cfg.CloseTimeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", s.cfg.CloseTimeout)
	}
}

// FileStore keeps the snapshot as <dir>/offline_data.json.
type FileStore struct {
	path string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create offline dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, SnapshotKey+".json")}, nil
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Persist implements Store. The file is replaced atomically via rename.
func (s *FileStore) Persist(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), SnapshotKey+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
