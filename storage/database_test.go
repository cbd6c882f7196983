package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	expectedTables := []string{
		"peer_sightings",
		"key_changes",
		"security_events",
	}
	for _, table := range expectedTables {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()

	first, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := first.RecordPeerSighting(PeerSighting{MeshID: "persist1", IPAddress: "10.0.0.1", Port: 1}); err != nil {
		t.Fatalf("RecordPeerSighting failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	second, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer func() {
		_ = second.Close()
	}()

	if _, err := second.GetPeerSighting("persist1"); err != nil {
		t.Fatalf("expected sighting to survive reopen: %v", err)
	}
}

func TestClosedStoreReturnsErrClosed(t *testing.T) {
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Writers racing with Close must get errors, never a panic.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				event, _ := NewSecurityEvent("decrypt_failed", "peer0001", SecuritySeverityWarning, nil)
				_ = store.LogSecurityEvent(event)
				_ = store.RecordPeerSighting(PeerSighting{MeshID: "peer0001", IPAddress: "10.0.0.1", Port: 1})
			}
		}()
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	wg.Wait()

	event, err := NewSecurityEvent("decrypt_failed", "", SecuritySeverityWarning, nil)
	if err != nil {
		t.Fatalf("NewSecurityEvent failed: %v", err)
	}
	if err := store.LogSecurityEvent(event); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from LogSecurityEvent, got %v", err)
	}
	if err := store.RecordPeerSighting(PeerSighting{MeshID: "peer0001", IPAddress: "10.0.0.1", Port: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from RecordPeerSighting, got %v", err)
	}
	if err := store.RecordKeyChange(KeyChange{PeerMeshID: "peer0001", Decision: KeyChangeDecisionAccepted}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from RecordKeyChange, got %v", err)
	}
	if _, err := store.GetSecurityEvents(SecurityEventFilter{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from GetSecurityEvents, got %v", err)
	}
}
