package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// NewSecurityEvent builds an event with details encoded as a JSON object.
func NewSecurityEvent(eventType, peerMeshID, severity string, details map[string]any) (SecurityEvent, error) {
	raw := []byte("{}")
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err != nil {
			return SecurityEvent{}, fmt.Errorf("encode %q details: %w", eventType, err)
		}
		raw = encoded
	}

	event := SecurityEvent{
		EventType: eventType,
		Details:   string(raw),
		Severity:  severity,
	}
	if peerMeshID != "" {
		event.PeerMeshID = &peerMeshID
	}
	return event, nil
}

// SetSecurityEventRetention configures the automatic pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent inserts one event and prunes rows past the retention horizon.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerMeshID *string
	if event.PeerMeshID != nil {
		if trimmed := strings.TrimSpace(*event.PeerMeshID); trimmed != "" {
			peerMeshID = &trimmed
		}
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_mesh_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerMeshID),
		event.Details,
		event.Severity,
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return err
		}
	}
	return nil
}

// GetSecurityEvents returns events newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	where, args, err := securityEventWhere(filter)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSecurityEventLimit
	}
	if limit > maxSecurityEventLimit {
		limit = maxSecurityEventLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, event_type, peer_mesh_id, details, severity, timestamp
	FROM security_events` + where + ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// CountSecurityEvents counts events matching filter. Limit and Offset are ignored.
func (s *Store) CountSecurityEvents(filter SecurityEventFilter) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	where, args, err := securityEventWhere(filter)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM security_events`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count security events: %w", err)
	}
	return count, nil
}

// PruneSecurityEvents removes events older than cutoffTimestamp (unix millis).
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for security event prune: %w", err)
	}
	return rowsAffected, nil
}

func securityEventWhere(filter SecurityEventFilter) (string, []any, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return "", nil, err
		}
	}

	clauses := make([]string, 0, 5)
	args := make([]any, 0, 7)
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerMeshID != "" {
		clauses = append(clauses, "peer_mesh_id = ?")
		args = append(args, filter.PeerMeshID)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event      SecurityEvent
		peerMeshID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerMeshID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.PeerMeshID = stringPtr(peerMeshID)
	return &event, nil
}
