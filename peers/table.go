// Package peers keeps the in-memory directory of mesh nodes learned from discovery.
package peers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"luminamesh/models"
)

var (
	// ErrSelfPeer indicates an attempt to register the local node as a peer.
	ErrSelfPeer = errors.New("peers: refusing to register local mesh id")
	// ErrInvalidPeer indicates a peer without a mesh id.
	ErrInvalidPeer = errors.New("peers: mesh id is required")
	// ErrKeyMismatch indicates a re-announcement with a key other than the pinned one.
	ErrKeyMismatch = errors.New("peers: public key does not match pinned key")
)

// KeyPolicy controls what happens when a known mesh id announces a different key.
type KeyPolicy string

const (
	// KeyPolicyReplace overwrites the stored key on every announcement.
	KeyPolicyReplace KeyPolicy = "replace"
	// KeyPolicyPin keeps the first-seen key and rejects mismatching announcements.
	KeyPolicyPin KeyPolicy = "pin"
)

// ParseKeyPolicy validates a policy name. An empty name selects KeyPolicyReplace.
func ParseKeyPolicy(raw string) (KeyPolicy, error) {
	switch KeyPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KeyPolicyReplace:
		return KeyPolicyReplace, nil
	case KeyPolicyPin:
		return KeyPolicyPin, nil
	default:
		return "", fmt.Errorf("unknown key policy %q", raw)
	}
}

// Options configures a Table.
type Options struct {
	SelfMeshID string
	KeyPolicy  KeyPolicy
	Now        func() time.Time
}

// UpsertResult describes how an upsert changed the table.
type UpsertResult struct {
	Peer       models.Peer
	Discovered bool
	KeyChanged bool
	Previous   models.Peer
}

// Table is a concurrency-safe registry of peers keyed by mesh id.
// Stale entries are hidden from List but stay until overwritten or pruned.
type Table struct {
	selfID string
	policy KeyPolicy
	now    func() time.Time

	mu         sync.RWMutex
	peers      map[string]models.Peer
	discovered uint64
}

// NewTable creates an empty peer table.
func NewTable(options Options) *Table {
	policy := options.KeyPolicy
	if policy == "" {
		policy = KeyPolicyReplace
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Table{
		selfID: options.SelfMeshID,
		policy: policy,
		now:    now,
		peers:  make(map[string]models.Peer),
	}
}

// Upsert inserts or refreshes a peer. A zero LastSeen is stamped with the current time.
func (t *Table) Upsert(peer models.Peer) (UpsertResult, error) {
	if peer.MeshID == "" {
		return UpsertResult{}, ErrInvalidPeer
	}
	if peer.MeshID == t.selfID {
		return UpsertResult{}, ErrSelfPeer
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	previous, exists := t.peers[peer.MeshID]
	if !exists {
		t.peers[peer.MeshID] = peer
		t.discovered++
		return UpsertResult{Peer: peer, Discovered: true}, nil
	}

	keyChanged := previous.PublicKey != peer.PublicKey
	if keyChanged && t.policy == KeyPolicyPin {
		return UpsertResult{Peer: previous, KeyChanged: true, Previous: previous}, ErrKeyMismatch
	}

	t.peers[peer.MeshID] = peer
	return UpsertResult{Peer: peer, KeyChanged: keyChanged, Previous: previous}, nil
}

// Get returns the peer stored under meshID regardless of staleness.
func (t *Table) Get(meshID string) (models.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peer, ok := t.peers[meshID]
	return peer, ok
}

// List returns peers seen within ttl, optionally limited to one role.
// A ttl <= 0 disables the staleness filter.
func (t *Table) List(role string, ttl time.Duration) []models.Peer {
	now := t.now()

	t.mu.RLock()
	out := make([]models.Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		if ttl > 0 && now.Sub(peer.LastSeen) > ttl {
			continue
		}
		if role != "" && peer.Role != role {
			continue
		}
		out = append(out, peer)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].MeshID < out[j].MeshID
	})
	return out
}

// Prune removes entries not seen within olderThan and returns how many were dropped.
func (t *Table) Prune(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, peer := range t.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, stale ones included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// DiscoveredCount returns how many distinct mesh ids were ever inserted.
func (t *Table) DiscoveredCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.discovered
}
