package mesh

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"luminamesh/discovery"
	"luminamesh/network"
	"luminamesh/peers"
	"luminamesh/storage"
)

const (
	// DefaultPeerTimeout hides peers silent for longer than this.
	DefaultPeerTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds Stop.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultBroadcastConcurrency caps simultaneous sends in Broadcast.
	DefaultBroadcastConcurrency = 16
	// DefaultRole is announced when Options.Role is empty.
	DefaultRole = "endpoint"
)

// SecurityLog receives peer sightings and security events. *storage.Store
// implements it.
type SecurityLog interface {
	RecordPeerSighting(sighting storage.PeerSighting) error
	RecordKeyChange(change storage.KeyChange) error
	LogSecurityEvent(event storage.SecurityEvent) error
}

// Options configures a Protocol. Zero values select the documented defaults.
type Options struct {
	Role       string
	DeviceName string
	// MeshID overrides the random per-run id. It must be 8 bytes.
	MeshID string

	DataAddress       string
	DiscoveryAddress  string
	BroadcastAddress  string
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	ReadTimeout       time.Duration
	SendTimeout       time.Duration
	ShutdownTimeout   time.Duration

	BroadcastConcurrency int
	KeyPolicy            peers.KeyPolicy
	MDNS                 discovery.MDNSConfig

	SecurityLog SecurityLog
	// Registerer receives the mesh metrics. A private registry is used when nil.
	Registerer prometheus.Registerer
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Role == "" {
		out.Role = DefaultRole
	}
	if out.DeviceName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			out.DeviceName = host
		} else {
			out.DeviceName = "luminamesh-node"
		}
	}
	if out.DataAddress == "" {
		out.DataAddress = ":" + strconv.Itoa(network.DefaultDataPort)
	}
	if out.DiscoveryAddress == "" {
		out.DiscoveryAddress = ":" + strconv.Itoa(discovery.DefaultDiscoveryPort)
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = net.JoinHostPort(discovery.DefaultBroadcastHost, strconv.Itoa(discovery.DefaultDiscoveryPort))
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = discovery.DefaultBroadcastInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = network.DefaultReadTimeout
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = network.DefaultSendTimeout
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = DefaultShutdownTimeout
	}
	if out.BroadcastConcurrency <= 0 {
		out.BroadcastConcurrency = DefaultBroadcastConcurrency
	}
	if out.KeyPolicy == "" {
		out.KeyPolicy = peers.KeyPolicyReplace
	}
	if out.Registerer == nil {
		out.Registerer = prometheus.NewRegistry()
	}
	if out.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.InfoLevel)
		out.Logger = logger
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// configuredPort extracts the port from DataAddress, for announcing when the
// data listener could not be bound.
func configuredPort(address string) int {
	_, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		return network.DefaultDataPort
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return network.DefaultDataPort
	}
	return port
}
