package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"luminamesh/models"
)

func testEntry(meshID string, key [32]byte, port int) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry("desk-"+meshID, DefaultMDNSService, DefaultMDNSDomain)
	entry.HostName = "desk.local."
	entry.Port = port
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.44")}
	entry.Text = []string{
		"mesh_id=" + meshID,
		"role=endpoint",
		"public_key=" + hex.EncodeToString(key[:]),
		"version=1",
	}
	return entry
}

func TestMDNSRegistersExpectedRecords(t *testing.T) {
	var (
		mu          sync.Mutex
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	key := testKey(9)
	newTestService(t, Config{
		SelfMeshID:        "mdns0001",
		Hostname:          "laptop",
		Role:              "gateway",
		PublicKey:         key,
		DataPort:          9999,
		ListenAddress:     "127.0.0.1:0",
		BroadcastAddress:  freeUDPAddr(t),
		BroadcastInterval: time.Hour,
		PollTimeout:       20 * time.Millisecond,
		OnPeer:            func(models.Peer) {},
		MDNS: MDNSConfig{
			Enabled: true,
			registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
				mu.Lock()
				defer mu.Unlock()
				gotInstance = instance
				gotService = service
				gotDomain = domain
				gotPort = port
				gotTXT = append([]string(nil), text...)
				return nil, nil
			},
			browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
				<-ctx.Done()
				return nil
			},
		},
	})

	mu.Lock()
	defer mu.Unlock()
	if gotInstance != "laptop-mdns0001" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultMDNSService || gotDomain != DefaultMDNSDomain {
		t.Fatalf("unexpected service %q domain %q", gotService, gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	txt := txtToMap(gotTXT)
	if txt["mesh_id"] != "mdns0001" || txt["role"] != "gateway" || txt["version"] != "1" {
		t.Fatalf("unexpected TXT records %v", gotTXT)
	}
	if txt["public_key"] != hex.EncodeToString(key[:]) {
		t.Fatalf("unexpected public_key TXT %q", txt["public_key"])
	}
}

func TestMDNSBrowseFeedsPeers(t *testing.T) {
	var seen peerRecorder
	key := testKey(30)

	newTestService(t, Config{
		SelfMeshID:        "mdnsself",
		PublicKey:         testKey(31),
		DataPort:          9998,
		ListenAddress:     "127.0.0.1:0",
		BroadcastAddress:  freeUDPAddr(t),
		BroadcastInterval: time.Hour,
		PollTimeout:       20 * time.Millisecond,
		OnPeer:            seen.add,
		MDNS: MDNSConfig{
			Enabled:         true,
			RefreshInterval: time.Hour,
			ScanTimeout:     time.Second,
			registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
				return nil, nil
			},
			browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
				entries <- testEntry("mdnsself", testKey(31), 9998)
				entries <- testEntry("mdnspeer", key, 4444)
				<-ctx.Done()
				return nil
			},
		},
	})

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := seen.find("mdnspeer")
		return ok
	})

	peer, _ := seen.find("mdnspeer")
	if peer.IPAddress != "192.168.1.44" || peer.Port != 4444 || peer.Hostname != "desk" || peer.Role != "endpoint" {
		t.Fatalf("unexpected peer %+v", peer)
	}
	if peer.PublicKey != key {
		t.Fatalf("public key mismatch")
	}
	if _, ok := seen.find("mdnsself"); ok {
		t.Fatalf("expected own mDNS entry to be ignored")
	}
}

func TestMDNSRegisterFailureKeepsUDPDiscovery(t *testing.T) {
	service := newTestService(t, Config{
		SelfMeshID:        "mdnsfail",
		DataPort:          9997,
		ListenAddress:     "127.0.0.1:0",
		BroadcastAddress:  freeUDPAddr(t),
		BroadcastInterval: time.Hour,
		PollTimeout:       20 * time.Millisecond,
		OnPeer:            func(models.Peer) {},
		MDNS: MDNSConfig{
			Enabled: true,
			registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
				return nil, errors.New("multicast unavailable")
			},
			browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
				<-ctx.Done()
				return nil
			},
		},
	})

	if !service.Listening() {
		t.Fatalf("expected UDP listener to keep running")
	}
	if service.mdns != nil {
		t.Fatalf("expected mDNS node to be disabled")
	}
}

func TestParseEntrySkipsUnusableRecords(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	key := testKey(40)

	noAddress := testEntry("peer0001", key, 1000)
	noAddress.AddrIPv4 = nil

	badKey := testEntry("peer0001", key, 1000)
	badKey.Text = []string{"mesh_id=peer0001", "public_key=abcd"}

	noPort := testEntry("peer0001", key, 0)

	for name, entry := range map[string]*zeroconf.ServiceEntry{
		"self":       testEntry("selfnode", key, 1000),
		"no address": noAddress,
		"bad key":    badKey,
		"no port":    noPort,
	} {
		if _, ok := parseEntry(entry, "selfnode", now); ok {
			t.Fatalf("%s: expected entry to be skipped", name)
		}
	}

	ipv6 := testEntry("peer0002", key, 1000)
	ipv6.AddrIPv4 = nil
	ipv6.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	peer, ok := parseEntry(ipv6, "selfnode", now)
	if !ok {
		t.Fatalf("expected IPv6-only entry to parse")
	}
	if peer.IPAddress != "fe80::1" || !peer.LastSeen.Equal(now) {
		t.Fatalf("unexpected peer %+v", peer)
	}
}
