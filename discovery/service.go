// Package discovery announces the local node over UDP broadcast and learns
// other nodes from their announcements.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"luminamesh/models"
)

const (
	// DefaultDiscoveryPort is the UDP port announcements are sent to and read from.
	DefaultDiscoveryPort = 45678
	// DefaultBroadcastHost is the limited-broadcast address.
	DefaultBroadcastHost = "255.255.255.255"
	// DefaultBroadcastInterval is the time between announcements.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultPollTimeout bounds each blocking read so shutdown is observed.
	DefaultPollTimeout = time.Second

	maxDatagramSize = 64 * 1024
)

// ErrUnavailable indicates that neither the listener nor the broadcaster
// socket could be opened.
var ErrUnavailable = errors.New("discovery: no socket could be opened")

type senderFunc func() (*net.UDPConn, error)

func openSender() (*net.UDPConn, error) {
	return net.ListenUDP("udp4", nil)
}

// Config controls announcement and listening behavior.
type Config struct {
	SelfMeshID string
	Hostname   string
	Role       string
	PublicKey  [32]byte
	DataPort   int

	ListenAddress     string
	BroadcastAddress  string
	BroadcastInterval time.Duration
	PollTimeout       time.Duration
	DisableReuseAddr  bool

	MDNS MDNSConfig

	senderFn senderFunc

	// OnPeer receives every valid announcement from another node. It runs on
	// the listener goroutine.
	OnPeer func(models.Peer)

	Logger logrus.FieldLogger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(DefaultDiscoveryPort)
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = net.JoinHostPort(DefaultBroadcastHost, strconv.Itoa(DefaultDiscoveryPort))
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = DefaultPollTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.senderFn == nil {
		out.senderFn = openSender
	}
	out.MDNS = out.MDNS.withDefaults()
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfMeshID) == "" {
		return errors.New("self mesh ID is required")
	}
	if c.DataPort <= 0 || c.DataPort > 65535 {
		return fmt.Errorf("data port %d is out of range", c.DataPort)
	}
	if c.OnPeer == nil {
		return errors.New("peer callback is required")
	}
	return nil
}

// Service runs the broadcaster and the listener. Either half may be disabled
// at start-up when its socket cannot be opened.
type Service struct {
	cfg    Config
	target *net.UDPAddr
	log    logrus.FieldLogger

	listener net.PacketConn
	sender   *net.UDPConn
	mdns     *mdnsNode

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	announcements atomic.Uint64
	failures      atomic.Uint64
	received      atomic.Uint64
}

// New validates config and resolves the broadcast target.
func New(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	target, err := net.ResolveUDPAddr("udp4", cfg.BroadcastAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address %q: %w", cfg.BroadcastAddress, err)
	}

	return &Service{
		cfg:    cfg,
		target: target,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "discovery",
			"mesh_id":   cfg.SelfMeshID,
		}),
	}, nil
}

// Start opens sockets and launches the background loops. A socket that
// cannot be opened puts the service in degraded mode; ErrUnavailable is
// returned only when both fail.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)

		lc := net.ListenConfig{}
		if !s.cfg.DisableReuseAddr {
			lc.Control = reuseAddrControl
		}
		listener, err := lc.ListenPacket(s.ctx, "udp4", s.cfg.ListenAddress)
		if err != nil {
			s.log.WithError(err).WithField("addr", s.cfg.ListenAddress).
				Warn("discovery listener disabled; peers will not be learned from broadcasts")
		} else {
			s.listener = listener
			s.wg.Add(1)
			go s.listenLoop()
		}

		sender, err := s.cfg.senderFn()
		if err != nil {
			s.log.WithError(err).Warn("discovery broadcaster disabled")
		} else {
			s.sender = sender
			s.wg.Add(1)
			go s.broadcastLoop()
		}

		if s.listener == nil && s.sender == nil {
			s.startErr = ErrUnavailable
			s.cancel()
			return
		}

		if s.cfg.MDNS.Enabled {
			node, err := startMDNS(s.ctx, s.cfg, &s.wg, s.log)
			if err != nil {
				s.log.WithError(err).Warn("mDNS discovery disabled")
			} else {
				s.mdns = node
			}
		}
	})
	return s.startErr
}

// Stop cancels the loops, closes the sockets and waits for the goroutines.
func (s *Service) Stop() error {
	var closeErr error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				closeErr = err
			}
		}
		if s.sender != nil {
			if err := s.sender.Close(); err != nil && !errors.Is(err, net.ErrClosed) && closeErr == nil {
				closeErr = err
			}
		}
		if s.mdns != nil {
			s.mdns.shutdown()
		}
		s.wg.Wait()
	})
	return closeErr
}

// Listening reports whether the UDP listener is active.
func (s *Service) Listening() bool {
	return s.listener != nil
}

// ListenAddr returns the bound listener address, or nil in degraded mode.
func (s *Service) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.LocalAddr()
}

// Announcements returns how many announcements were sent successfully.
func (s *Service) Announcements() uint64 {
	return s.announcements.Load()
}

// AnnounceFailures returns how many broadcast attempts failed.
func (s *Service) AnnounceFailures() uint64 {
	return s.failures.Load()
}

// Received returns how many valid foreign announcements were ingested.
func (s *Service) Received() uint64 {
	return s.received.Load()
}

// Announce sends one announcement immediately.
func (s *Service) Announce() error {
	if s.sender == nil {
		return errors.New("discovery: broadcaster is not running")
	}

	payload, err := NewAnnouncement(s.cfg.SelfMeshID, s.cfg.Hostname, s.cfg.Role, s.cfg.PublicKey, s.cfg.DataPort).Marshal()
	if err != nil {
		return err
	}
	if _, err := s.sender.WriteToUDP(payload, s.target); err != nil {
		return fmt.Errorf("send announcement to %s: %w", s.target, err)
	}

	s.announcements.Add(1)
	return nil
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		if err := s.Announce(); err != nil && s.ctx.Err() == nil {
			s.failures.Add(1)
			s.log.WithError(err).Warn("announcement failed")
		}

		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		if s.ctx.Err() != nil {
			return
		}

		if err := s.listener.SetReadDeadline(time.Now().Add(s.cfg.PollTimeout)); err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("set discovery read deadline")
		}

		n, src, err := s.listener.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Debug("discovery read failed")
			continue
		}

		s.handlePacket(buf[:n], src)
	}
}

func (s *Service) handlePacket(data []byte, src net.Addr) {
	announcement, err := ParseAnnouncement(data)
	if err != nil {
		s.log.WithError(err).WithField("addr", addrString(src)).Debug("discarding discovery packet")
		return
	}
	if announcement.MeshID == s.cfg.SelfMeshID {
		return
	}

	peer, err := announcement.Peer(src, s.cfg.Now())
	if err != nil {
		s.log.WithError(err).WithField("addr", addrString(src)).Debug("discarding discovery packet")
		return
	}

	s.received.Add(1)
	s.cfg.OnPeer(peer)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
