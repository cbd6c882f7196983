package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"luminamesh/models"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_luminamesh._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// MDNSVersion is the TXT record protocol version.
	MDNSVersion = 1
	// DefaultMDNSRefreshInterval is the time between browse scans.
	DefaultMDNSRefreshInterval = 10 * time.Second
	// DefaultMDNSScanTimeout bounds each browse scan.
	DefaultMDNSScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig enables an mDNS advertisement and browser alongside UDP
// broadcast, for networks that filter broadcast traffic.
type MDNSConfig struct {
	Enabled         bool
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultMDNSRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

type mdnsNode struct {
	cfg    MDNSConfig
	selfID string
	server *zeroconf.Server
	browse browseFunc
	onPeer func(models.Peer)
	now    func() time.Time
	log    logrus.FieldLogger

	shutdownOnce sync.Once
}

func mdnsTXT(cfg Config) []string {
	return []string{
		"mesh_id=" + cfg.SelfMeshID,
		"role=" + cfg.Role,
		"public_key=" + hex.EncodeToString(cfg.PublicKey[:]),
		"version=" + strconv.Itoa(MDNSVersion),
	}
}

func mdnsInstance(cfg Config) string {
	name := strings.TrimSpace(cfg.Hostname)
	if name == "" {
		return cfg.SelfMeshID
	}
	return name + "-" + cfg.SelfMeshID
}

// startMDNS registers the local service and starts the browse loop on wg.
func startMDNS(ctx context.Context, cfg Config, wg *sync.WaitGroup, log logrus.FieldLogger) (*mdnsNode, error) {
	mcfg := cfg.MDNS.withDefaults()

	browse := mcfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	server, err := mcfg.registerFn(mdnsInstance(cfg), mcfg.Service, mcfg.Domain, cfg.DataPort, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	node := &mdnsNode{
		cfg:    mcfg,
		selfID: cfg.SelfMeshID,
		server: server,
		browse: browse,
		onPeer: cfg.OnPeer,
		now:    cfg.Now,
		log:    log.WithField("transport", "mdns"),
	}

	wg.Add(1)
	go node.loop(ctx, wg)
	return node, nil
}

func (m *mdnsNode) shutdown() {
	m.shutdownOnce.Do(func() {
		if m.server != nil {
			m.server.Shutdown()
		}
	})
}

func (m *mdnsNode) loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := m.runScan(ctx); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Warn("mDNS browse failed")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (m *mdnsNode) runScan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, m.selfID, m.now())
				if !ok {
					continue
				}
				m.onPeer(peer)
			}
		}
	}()

	if err := m.browse(scanCtx, m.cfg.Service, m.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// parseEntry converts a browse result into a peer. Entries without a usable
// mesh id, key or address are skipped, as is the local node.
func parseEntry(entry *zeroconf.ServiceEntry, selfMeshID string, seenAt time.Time) (models.Peer, bool) {
	txt := txtToMap(entry.Text)

	meshID := txt["mesh_id"]
	if meshID == "" || meshID == selfMeshID {
		return models.Peer{}, false
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return models.Peer{}, false
	}

	key, err := decodePublicKey(txt["public_key"])
	if err != nil {
		return models.Peer{}, false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return models.Peer{}, false
	}
	address, err := sourceIP(&net.UDPAddr{IP: ip})
	if err != nil {
		return models.Peer{}, false
	}

	hostname := strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	hostname = strings.TrimSuffix(hostname, ".local")
	if hostname == "" {
		hostname = strings.TrimSpace(entry.Instance)
	}

	return models.Peer{
		MeshID:    meshID,
		Hostname:  hostname,
		IPAddress: address,
		Port:      entry.Port,
		PublicKey: key,
		Role:      txt["role"],
		LastSeen:  seenAt,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
