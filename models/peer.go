package models

import (
	"encoding/hex"
	"net"
	"strconv"
	"time"
)

// Peer represents a remote mesh node learned from discovery.
type Peer struct {
	MeshID    string    `json:"mesh_id"`
	Hostname  string    `json:"hostname"`
	IPAddress string    `json:"ip_address"`
	Port      int       `json:"port"`
	PublicKey [32]byte  `json:"-"`
	Role      string    `json:"role"`
	LastSeen  time.Time `json:"last_seen"`
}

// Addr returns the peer's data channel address as "ip:port".
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IPAddress, strconv.Itoa(p.Port))
}

// PublicKeyHex returns the hex encoding used on the discovery wire.
func (p Peer) PublicKeyHex() string {
	return hex.EncodeToString(p.PublicKey[:])
}
