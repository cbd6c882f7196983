package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RecordPeerSighting inserts a peer or refreshes its row, bumping the
// sighting counter. FirstSeen is kept from the first insert.
func (s *Store) RecordPeerSighting(sighting PeerSighting) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if strings.TrimSpace(sighting.MeshID) == "" {
		return errors.New("mesh_id is required")
	}
	if sighting.IPAddress == "" {
		return errors.New("ip_address is required")
	}
	if sighting.LastSeen == 0 {
		sighting.LastSeen = nowUnixMilli()
	}
	if sighting.FirstSeen == 0 {
		sighting.FirstSeen = sighting.LastSeen
	}

	_, err := s.db.Exec(
		`INSERT INTO peer_sightings (
			mesh_id, hostname, role, ip_address, port, key_fingerprint, first_seen, last_seen, sightings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(mesh_id) DO UPDATE SET
			hostname = excluded.hostname,
			role = excluded.role,
			ip_address = excluded.ip_address,
			port = excluded.port,
			key_fingerprint = excluded.key_fingerprint,
			last_seen = MAX(peer_sightings.last_seen, excluded.last_seen),
			sightings = peer_sightings.sightings + 1`,
		sighting.MeshID,
		sighting.Hostname,
		sighting.Role,
		sighting.IPAddress,
		sighting.Port,
		sighting.KeyFingerprint,
		sighting.FirstSeen,
		sighting.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("record sighting of %q: %w", sighting.MeshID, err)
	}
	return nil
}

// GetPeerSighting returns one peer's row or ErrNotFound.
func (s *Store) GetPeerSighting(meshID string) (*PeerSighting, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(
		`SELECT mesh_id, hostname, role, ip_address, port, key_fingerprint, first_seen, last_seen, sightings
		FROM peer_sightings WHERE mesh_id = ?`,
		meshID,
	)

	sighting, err := scanPeerSighting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sighting of %q: %w", meshID, err)
	}
	return sighting, nil
}

// ListPeerSightings returns peers most recently seen first. limit <= 0 means all.
func (s *Store) ListPeerSightings(limit int) ([]PeerSighting, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT mesh_id, hostname, role, ip_address, port, key_fingerprint, first_seen, last_seen, sightings
	FROM peer_sightings ORDER BY last_seen DESC, mesh_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list peer sightings: %w", err)
	}
	defer rows.Close()

	out := make([]PeerSighting, 0)
	for rows.Next() {
		sighting, err := scanPeerSighting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer sighting row: %w", err)
		}
		out = append(out, *sighting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer sighting rows: %w", err)
	}
	return out, nil
}

func scanPeerSighting(row scanner) (*PeerSighting, error) {
	var sighting PeerSighting
	if err := row.Scan(
		&sighting.MeshID,
		&sighting.Hostname,
		&sighting.Role,
		&sighting.IPAddress,
		&sighting.Port,
		&sighting.KeyFingerprint,
		&sighting.FirstSeen,
		&sighting.LastSeen,
		&sighting.Sightings,
	); err != nil {
		return nil, err
	}
	return &sighting, nil
}
