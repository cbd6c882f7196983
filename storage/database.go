// Package storage persists the security log in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "mesh.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peer_sightings (
  mesh_id         TEXT PRIMARY KEY,
  hostname        TEXT NOT NULL DEFAULT '',
  role            TEXT NOT NULL DEFAULT '',
  ip_address      TEXT NOT NULL,
  port            INTEGER NOT NULL,
  key_fingerprint TEXT NOT NULL,
  first_seen      INTEGER NOT NULL,
  last_seen       INTEGER NOT NULL,
  sightings       INTEGER NOT NULL DEFAULT 1
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peer_sightings_last_seen
ON peer_sightings (last_seen DESC, mesh_id);
`,
	`
CREATE TABLE IF NOT EXISTS key_changes (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_mesh_id        TEXT NOT NULL,
  old_key_fingerprint TEXT NOT NULL,
  new_key_fingerprint TEXT NOT NULL,
  decision            TEXT NOT NULL CHECK(decision IN ('accepted','rejected')),
  timestamp           INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_key_changes_peer_time
ON key_changes (peer_mesh_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type   TEXT NOT NULL,
  peer_mesh_id TEXT,
  details      TEXT NOT NULL,
  severity     TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_peer
ON security_events (peer_mesh_id, timestamp DESC, id DESC);
`,
}

// Store is the optional on-disk security log: peer sightings, key changes
// and security events.
type Store struct {
	db *sql.DB

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention time.Duration
	closeOnce              sync.Once
	closed                 atomic.Bool
}

// Open opens (or creates) mesh.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		walCheckpointInterval:  DefaultWALCheckpointInterval,
		walCheckpointStop:      make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// checkOpen guards writes racing with Close. A call that slips past it still
// gets an error from the closed *sql.DB.
func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
