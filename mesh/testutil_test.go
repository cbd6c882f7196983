package mesh

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	appcrypto "luminamesh/crypto"
	"luminamesh/discovery"
	"luminamesh/models"
	"luminamesh/storage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingLog struct {
	mu        sync.Mutex
	sightings []storage.PeerSighting
	changes   []storage.KeyChange
	events    []storage.SecurityEvent
}

func (r *recordingLog) RecordPeerSighting(sighting storage.PeerSighting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sightings = append(r.sightings, sighting)
	return nil
}

func (r *recordingLog) RecordKeyChange(change storage.KeyChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

func (r *recordingLog) LogSecurityEvent(event storage.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingLog) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.EventType)
	}
	return out
}

func (r *recordingLog) keyChanges() []storage.KeyChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.KeyChange(nil), r.changes...)
}

type messageRecorder struct {
	mu       sync.Mutex
	messages []models.Message
}

func (r *messageRecorder) handle(msg models.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *messageRecorder) snapshot() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.messages...)
}

// freeUDPAddr reserves a loopback port and releases it for the caller.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port failed: %v", err)
	}
	addr := conn.LocalAddr().String()
	_ = conn.Close()
	return addr
}

func closedTCPPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port failed: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}

func randomPublicKey(t *testing.T) [32]byte {
	t.Helper()
	keys, err := appcrypto.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	return keys.PublicKeyBytes()
}

func newTestProtocol(t *testing.T, options Options) *Protocol {
	t.Helper()
	if options.Logger == nil {
		options.Logger = quietLogger()
	}
	p, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Stop()
	})
	return p
}

func startTestProtocol(t *testing.T, options Options) *Protocol {
	t.Helper()
	p := newTestProtocol(t, options)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return p
}

// startPair starts two nodes on loopback whose broadcasts target each other.
func startPair(t *testing.T, roleA, roleB string, interval time.Duration, mutateB func(*Options)) (*Protocol, *Protocol) {
	t.Helper()
	addrA := freeUDPAddr(t)
	addrB := freeUDPAddr(t)

	a := startTestProtocol(t, Options{
		Role:              roleA,
		DeviceName:        "host-a",
		DataAddress:       "127.0.0.1:0",
		DiscoveryAddress:  addrA,
		BroadcastAddress:  addrB,
		BroadcastInterval: interval,
		SendTimeout:       time.Second,
		ReadTimeout:       time.Second,
	})

	optsB := Options{
		Role:              roleB,
		DeviceName:        "host-b",
		DataAddress:       "127.0.0.1:0",
		DiscoveryAddress:  addrB,
		BroadcastAddress:  addrA,
		BroadcastInterval: interval,
		SendTimeout:       time.Second,
		ReadTimeout:       time.Second,
	}
	if mutateB != nil {
		mutateB(&optsB)
	}
	b := startTestProtocol(t, optsB)
	return a, b
}

func (p *Protocol) discoveryService() *discovery.Service {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.discovery
}

func hasPeer(list []models.Peer, meshID string) (models.Peer, bool) {
	for _, peer := range list {
		if peer.MeshID == meshID {
			return peer, true
		}
	}
	return models.Peer{}, false
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
