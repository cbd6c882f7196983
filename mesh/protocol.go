// Package mesh ties key agreement, peer discovery and the encrypted data
// channel into one node that collaborators start, stop and send through.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	appcrypto "luminamesh/crypto"
	"luminamesh/discovery"
	"luminamesh/models"
	"luminamesh/network"
	"luminamesh/peers"
)

var (
	// ErrAlreadyStarted indicates Start on a running protocol.
	ErrAlreadyStarted = errors.New("mesh: already started")
	// ErrStopped indicates Start after Stop. Restart is not supported.
	ErrStopped = errors.New("mesh: stopped")
)

type state int

const (
	stateNotStarted state = iota
	stateRunning
	stateStopped
)

// Protocol is one mesh node.
type Protocol struct {
	opts   Options
	log    logrus.FieldLogger
	meshID string

	keys    *appcrypto.KeyManager
	table   *peers.Table
	sender  *network.Sender
	metrics *metrics

	lifecycle sync.Mutex
	state     state
	cancel    context.CancelFunc
	server    *network.Server
	discovery *discovery.Service

	handlersMu  sync.RWMutex
	dataHandler DataHandler
	peerHandler PeerHandler

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
}

// New creates the local identity and an idle node. Nothing is bound until Start.
func New(options Options) (*Protocol, error) {
	opts := options.withDefaults()

	meshID := opts.MeshID
	if meshID == "" {
		meshID = newMeshID()
	}
	if err := network.ValidateMeshID(meshID); err != nil {
		return nil, err
	}

	keys, err := appcrypto.NewKeyManager()
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	table := peers.NewTable(peers.Options{
		SelfMeshID: meshID,
		KeyPolicy:  opts.KeyPolicy,
		Now:        opts.Now,
	})

	sender, err := network.NewSender(network.SenderOptions{
		LocalMeshID: meshID,
		Cipher:      keys,
		Peers:       table,
		SendTimeout: opts.SendTimeout,
	})
	if err != nil {
		return nil, err
	}

	pub := keys.PublicKeyBytes()
	p := &Protocol{
		opts:   opts,
		meshID: meshID,
		keys:   keys,
		table:  table,
		sender: sender,
		log: opts.Logger.WithFields(logrus.Fields{
			"mesh_id": meshID,
			"role":    opts.Role,
		}),
	}
	p.metrics = newMetrics(opts.Registerer, meshID, func() float64 {
		return float64(table.Len())
	})

	p.log.WithField("fingerprint", appcrypto.FormatFingerprint(appcrypto.KeyFingerprint(pub[:]))).
		Debug("mesh identity created")
	return p, nil
}

// Start binds the data listener, then starts discovery. A data port that
// cannot be bound or a discovery port that cannot be bound degrades the node
// instead of failing Start.
func (p *Protocol) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	switch p.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)

	dataPort := configuredPort(p.opts.DataAddress)
	server, err := network.Listen(p.opts.DataAddress, network.ServerOptions{
		Cipher:      p.keys,
		Peers:       p.table,
		ReadTimeout: p.opts.ReadTimeout,
		OnMessage:   p.deliver,
		OnError:     p.handleTransportError,
		Now:         p.opts.Now,
	})
	if err != nil {
		p.log.WithError(err).WithField("addr", p.opts.DataAddress).
			Warn("data listener disabled; this node cannot receive messages")
	} else {
		p.server = server
		dataPort = server.Port()
	}

	pub := p.keys.PublicKeyBytes()
	disc, err := discovery.New(discovery.Config{
		SelfMeshID:        p.meshID,
		Hostname:          p.opts.DeviceName,
		Role:              p.opts.Role,
		PublicKey:         pub,
		DataPort:          dataPort,
		ListenAddress:     p.opts.DiscoveryAddress,
		BroadcastAddress:  p.opts.BroadcastAddress,
		BroadcastInterval: p.opts.BroadcastInterval,
		MDNS:              p.opts.MDNS,
		OnPeer:            p.ingestPeer,
		Logger:            p.opts.Logger,
		Now:               p.opts.Now,
	})
	if err != nil {
		cancel()
		if p.server != nil {
			_ = p.server.Close()
			p.server = nil
		}
		return fmt.Errorf("configure discovery: %w", err)
	}
	if err := disc.Start(runCtx); err != nil {
		cancel()
		if p.server != nil {
			_ = p.server.Close()
			p.server = nil
		}
		return fmt.Errorf("start discovery: %w", err)
	}

	p.discovery = disc
	p.cancel = cancel
	p.state = stateRunning

	p.log.WithFields(logrus.Fields{
		"data_port":      dataPort,
		"discovery_addr": p.opts.DiscoveryAddress,
		"listening":      disc.Listening(),
	}).Info("mesh started")
	return nil
}

// Stop cancels all loops, closes the sockets and waits up to ShutdownTimeout.
// Stopping an unstarted or stopped protocol is a no-op. Close errors are
// aggregated.
func (p *Protocol) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.state != stateRunning {
		p.state = stateStopped
		return nil
	}
	p.state = stateStopped
	p.cancel()

	server, disc := p.server, p.discovery
	done := make(chan error, 1)
	go func() {
		var result *multierror.Error
		if server != nil {
			if err := server.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("close data listener: %w", err))
			}
		}
		if disc != nil {
			if err := disc.Stop(); err != nil {
				result = multierror.Append(result, fmt.Errorf("stop discovery: %w", err))
			}
		}
		done <- result.ErrorOrNil()
	}()

	timer := time.NewTimer(p.opts.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			p.log.WithError(err).Warn("mesh stopped with errors")
		} else {
			p.log.Info("mesh stopped")
		}
		return err
	case <-timer.C:
		err := fmt.Errorf("mesh: shutdown did not finish within %s", p.opts.ShutdownTimeout)
		p.log.WithError(err).Warn("mesh stop timed out")
		return err
	}
}

// MeshID returns the local per-run identifier.
func (p *Protocol) MeshID() string {
	return p.meshID
}

// Role returns the announced role.
func (p *Protocol) Role() string {
	return p.opts.Role
}

// PublicKey returns the local X25519 public key.
func (p *Protocol) PublicKey() [32]byte {
	return p.keys.PublicKeyBytes()
}

// DataAddr returns the bound data listener address, or nil when the node is
// not running or the listener is disabled.
func (p *Protocol) DataAddr() net.Addr {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.state != stateRunning || p.server == nil {
		return nil
	}
	return p.server.Addr()
}

// GetPeers returns non-stale peers sorted by mesh id, optionally filtered by role.
func (p *Protocol) GetPeers(role string) []models.Peer {
	return p.table.List(role, p.opts.PeerTimeout)
}

// GetStats returns a snapshot of the node counters.
func (p *Protocol) GetStats() models.Stats {
	return models.Stats{
		MessagesSent:     p.messagesSent.Load(),
		MessagesReceived: p.messagesReceived.Load(),
		PeersDiscovered:  p.table.DiscoveredCount(),
		MeshID:           p.meshID,
	}
}

// DiscoveryListening reports whether announcements from other nodes are being
// received over UDP. It is false before Start and in degraded mode.
func (p *Protocol) DiscoveryListening() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.state == stateRunning && p.discovery != nil && p.discovery.Listening()
}
