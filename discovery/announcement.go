package discovery

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"luminamesh/models"
)

// Magic marks a datagram as a mesh announcement.
const Magic = "LUMINAGUARD_MESH_V1"

var (
	// ErrBadMagic indicates a datagram from some other protocol or version.
	ErrBadMagic = errors.New("discovery: bad magic")
	// ErrMalformedAnnouncement indicates a datagram that fails JSON or field validation.
	ErrMalformedAnnouncement = errors.New("discovery: malformed announcement")
)

// Announcement is the JSON body broadcast on the discovery port.
type Announcement struct {
	Magic     string `json:"magic"`
	MeshID    string `json:"mesh_id"`
	Hostname  string `json:"hostname"`
	Role      string `json:"role"`
	PublicKey string `json:"public_key"`
	Port      int    `json:"port"`
}

// NewAnnouncement builds the local announcement.
func NewAnnouncement(meshID, hostname, role string, publicKey [32]byte, dataPort int) Announcement {
	return Announcement{
		Magic:     Magic,
		MeshID:    meshID,
		Hostname:  hostname,
		Role:      role,
		PublicKey: hex.EncodeToString(publicKey[:]),
		Port:      dataPort,
	}
}

// Marshal encodes the announcement as JSON.
func (a Announcement) Marshal() ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal announcement: %w", err)
	}
	return raw, nil
}

// ParseAnnouncement decodes and validates one datagram.
func ParseAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}
	if a.Magic != Magic {
		return Announcement{}, ErrBadMagic
	}
	if strings.TrimSpace(a.MeshID) == "" {
		return Announcement{}, fmt.Errorf("%w: missing mesh_id", ErrMalformedAnnouncement)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return Announcement{}, fmt.Errorf("%w: invalid port %d", ErrMalformedAnnouncement, a.Port)
	}
	if _, err := decodePublicKey(a.PublicKey); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

// Peer converts the announcement into a peer record. The address comes from
// the observed packet source, never from the announcement body.
func (a Announcement) Peer(source net.Addr, seenAt time.Time) (models.Peer, error) {
	ip, err := sourceIP(source)
	if err != nil {
		return models.Peer{}, err
	}
	key, err := decodePublicKey(a.PublicKey)
	if err != nil {
		return models.Peer{}, err
	}

	return models.Peer{
		MeshID:    a.MeshID,
		Hostname:  a.Hostname,
		IPAddress: ip,
		Port:      a.Port,
		PublicKey: key,
		Role:      a.Role,
		LastSeen:  seenAt,
	}, nil
}

func decodePublicKey(raw string) ([32]byte, error) {
	var key [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return key, fmt.Errorf("%w: public_key: %v", ErrMalformedAnnouncement, err)
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("%w: public_key is %d bytes", ErrMalformedAnnouncement, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func sourceIP(addr net.Addr) (string, error) {
	var ip netip.Addr
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.AddrPort().Addr()
	case *net.TCPAddr:
		ip = a.AddrPort().Addr()
	default:
		if addr == nil {
			return "", errors.New("discovery: missing packet source")
		}
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return "", fmt.Errorf("discovery: parse packet source %q: %w", addr.String(), err)
		}
		ip = parsed.Addr()
	}

	// Unmap so IPv4 peers are not stored as ::ffff:a.b.c.d.
	ip = ip.Unmap()
	if !ip.IsValid() {
		return "", errors.New("discovery: invalid packet source")
	}
	return ip.String(), nil
}
