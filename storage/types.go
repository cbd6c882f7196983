package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed indicates use of a Store after Close.
	ErrClosed = errors.New("storage: store is closed")
)

const (
	// KeyChangeDecisionAccepted means the new key replaced the stored one.
	KeyChangeDecisionAccepted = "accepted"
	// KeyChangeDecisionRejected means the new key was refused and the old one kept.
	KeyChangeDecisionRejected = "rejected"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// PeerSighting is the persisted summary of one peer's announcements.
type PeerSighting struct {
	MeshID         string
	Hostname       string
	Role           string
	IPAddress      string
	Port           int
	KeyFingerprint string
	FirstSeen      int64
	LastSeen       int64
	Sightings      int64
}

// KeyChange records a peer presenting a different public key.
type KeyChange struct {
	ID                int64
	PeerMeshID        string
	OldKeyFingerprint string
	NewKeyFingerprint string
	Decision          string
	Timestamp         int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID         int64
	EventType  string
	PeerMeshID *string
	Details    string
	Severity   string
	Timestamp  int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerMeshID    string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateKeyChangeDecision(decision string) error {
	switch decision {
	case KeyChangeDecisionAccepted, KeyChangeDecisionRejected:
		return nil
	default:
		return fmt.Errorf("invalid key change decision %q", decision)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
