package storage

import (
	"errors"
	"fmt"
	"strings"
)

// RecordKeyChange appends one key change decision.
func (s *Store) RecordKeyChange(change KeyChange) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if strings.TrimSpace(change.PeerMeshID) == "" {
		return errors.New("peer_mesh_id is required")
	}
	if err := validateKeyChangeDecision(change.Decision); err != nil {
		return err
	}
	if change.Timestamp == 0 {
		change.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO key_changes (peer_mesh_id, old_key_fingerprint, new_key_fingerprint, decision, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		change.PeerMeshID,
		change.OldKeyFingerprint,
		change.NewKeyFingerprint,
		change.Decision,
		change.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record key change for %q: %w", change.PeerMeshID, err)
	}
	return nil
}

// ListKeyChanges returns a peer's key changes newest first.
func (s *Store) ListKeyChanges(peerMeshID string) ([]KeyChange, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT id, peer_mesh_id, old_key_fingerprint, new_key_fingerprint, decision, timestamp
		FROM key_changes
		WHERE peer_mesh_id = ?
		ORDER BY timestamp DESC, id DESC`,
		peerMeshID,
	)
	if err != nil {
		return nil, fmt.Errorf("list key changes for %q: %w", peerMeshID, err)
	}
	defer rows.Close()

	out := make([]KeyChange, 0)
	for rows.Next() {
		var change KeyChange
		if err := rows.Scan(
			&change.ID,
			&change.PeerMeshID,
			&change.OldKeyFingerprint,
			&change.NewKeyFingerprint,
			&change.Decision,
			&change.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan key change row: %w", err)
		}
		out = append(out, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key change rows: %w", err)
	}
	return out, nil
}
