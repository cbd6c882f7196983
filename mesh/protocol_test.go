package mesh

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"luminamesh/models"
	"luminamesh/network"
	"luminamesh/storage"
)

func TestTwoNodesDiscoverEachOther(t *testing.T) {
	interval := 500 * time.Millisecond
	a, b := startPair(t, "researcher", "coder", interval, nil)

	waitForCondition(t, 2*interval, func() bool {
		_, aSeesB := hasPeer(a.GetPeers(""), b.MeshID())
		_, bSeesA := hasPeer(b.GetPeers(""), a.MeshID())
		return aSeesB && bSeesA
	})

	peerB, _ := hasPeer(a.GetPeers(""), b.MeshID())
	if peerB.Role != "coder" {
		t.Fatalf("expected role coder, got %q", peerB.Role)
	}
	if peerB.PublicKey != b.PublicKey() {
		t.Fatalf("expected b's public key")
	}
	if peerB.IPAddress != "127.0.0.1" {
		t.Fatalf("expected packet source address, got %q", peerB.IPAddress)
	}
	if peerB.Port != b.DataAddr().(*net.TCPAddr).Port {
		t.Fatalf("expected announced data port %d, got %d", b.DataAddr().(*net.TCPAddr).Port, peerB.Port)
	}

	peerA, _ := hasPeer(b.GetPeers(""), a.MeshID())
	if peerA.Role != "researcher" || peerA.PublicKey != a.PublicKey() {
		t.Fatalf("unexpected peer record for a: %+v", peerA)
	}

	if got := a.GetPeers("coder"); len(got) != 1 {
		t.Fatalf("expected one coder, got %d", len(got))
	}
	if got := a.GetPeers("researcher"); len(got) != 0 {
		t.Fatalf("expected no researcher peers from a's view, got %d", len(got))
	}
	if stats := a.GetStats(); stats.PeersDiscovered != 1 || stats.MeshID != a.MeshID() {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSendToPeerDeliversExactlyOnce(t *testing.T) {
	interval := 200 * time.Millisecond
	a, b := startPair(t, "researcher", "coder", interval, nil)

	var received messageRecorder
	if err := b.OnMessage(EventData, received.handle); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		_, aSeesB := hasPeer(a.GetPeers(""), b.MeshID())
		_, bSeesA := hasPeer(b.GetPeers(""), a.MeshID())
		return aSeesB && bSeesA
	})

	if !a.SendToPeer(context.Background(), b.MeshID(), EventData, []byte("hello")) {
		t.Fatalf("expected SendToPeer to succeed")
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return len(received.snapshot()) == 1
	})
	time.Sleep(100 * time.Millisecond)

	msgs := received.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(msgs))
	}
	if !bytes.Equal(msgs[0].Payload, []byte("hello")) || msgs[0].Type != EventData {
		t.Fatalf("unexpected message %q/%q", msgs[0].Type, msgs[0].Payload)
	}
	if msgs[0].From.MeshID != a.MeshID() || msgs[0].From.PublicKey != a.PublicKey() || msgs[0].From.Role != "researcher" {
		t.Fatalf("unexpected resolved sender %+v", msgs[0].From)
	}

	if got := a.GetStats().MessagesSent; got != 1 {
		t.Fatalf("expected 1 sent, got %d", got)
	}
	if got := b.GetStats().MessagesReceived; got != 1 {
		t.Fatalf("expected 1 received, got %d", got)
	}
}

func TestSendToUnknownPeerReturnsFalse(t *testing.T) {
	p := startTestProtocol(t, Options{
		DataAddress:       "127.0.0.1:0",
		DiscoveryAddress:  "127.0.0.1:0",
		BroadcastAddress:  freeUDPAddr(t),
		BroadcastInterval: time.Hour,
	})

	if p.SendToPeer(context.Background(), "nobody00", EventData, []byte("x")) {
		t.Fatalf("expected send to unknown peer to fail")
	}
	if got := p.GetStats().MessagesSent; got != 0 {
		t.Fatalf("expected no sent messages, got %d", got)
	}
	if got := testutil.ToFloat64(p.metrics.sendFailures); got != 1 {
		t.Fatalf("expected one send failure, got %v", got)
	}
}

func TestBroadcastCountsOnlySuccessfulSends(t *testing.T) {
	interval := 200 * time.Millisecond
	a, b := startPair(t, "researcher", "coder", interval, nil)

	var received messageRecorder
	b.OnData(received.handle)

	waitForCondition(t, 2*time.Second, func() bool {
		_, aSeesB := hasPeer(a.GetPeers(""), b.MeshID())
		_, bSeesA := hasPeer(b.GetPeers(""), a.MeshID())
		return aSeesB && bSeesA
	})

	// A live entry whose port is closed and a stale entry that must be skipped.
	if _, err := a.table.Upsert(models.Peer{
		MeshID:    "ghost001",
		IPAddress: "127.0.0.1",
		Port:      closedTCPPort(t),
		PublicKey: randomPublicKey(t),
		Role:      "coder",
	}); err != nil {
		t.Fatalf("Upsert ghost failed: %v", err)
	}
	if _, err := a.table.Upsert(models.Peer{
		MeshID:    "stale001",
		IPAddress: "127.0.0.1",
		Port:      closedTCPPort(t),
		PublicKey: randomPublicKey(t),
		LastSeen:  time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Upsert stale failed: %v", err)
	}

	if got := a.Broadcast(context.Background(), EventData, []byte("to all")); got != 1 {
		t.Fatalf("expected 1 successful send, got %d", got)
	}
	if got := testutil.ToFloat64(a.metrics.sendFailures); got != 1 {
		t.Fatalf("expected only the closed-port peer to be attempted and fail, got %v failures", got)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return len(received.snapshot()) == 1
	})
}

func TestBroadcastWithNoPeers(t *testing.T) {
	p := newTestProtocol(t, Options{})
	if got := p.Broadcast(context.Background(), EventData, []byte("x")); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestNodeIgnoresItsOwnAnnouncements(t *testing.T) {
	addr := freeUDPAddr(t)
	p := startTestProtocol(t, Options{
		DataAddress:       "127.0.0.1:0",
		DiscoveryAddress:  addr,
		BroadcastAddress:  addr,
		BroadcastInterval: 50 * time.Millisecond,
	})

	waitForCondition(t, 2*time.Second, func() bool {
		return p.discoveryService().Announcements() >= 3
	})
	if got := p.GetPeers(""); len(got) != 0 {
		t.Fatalf("expected no peers, got %+v", got)
	}
	if got := p.GetStats().PeersDiscovered; got != 0 {
		t.Fatalf("expected no discovered peers, got %d", got)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	p := newTestProtocol(t, Options{
		DataAddress:       "127.0.0.1:0",
		DiscoveryAddress:  "127.0.0.1:0",
		BroadcastAddress:  freeUDPAddr(t),
		BroadcastInterval: time.Hour,
	})

	if p.DataAddr() != nil {
		t.Fatalf("expected no data address before Start")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.DataAddr() == nil {
		t.Fatalf("expected data address while running")
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if p.DataAddr() != nil {
		t.Fatalf("expected no data address after Stop")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopBeforeStartPreventsStart(t *testing.T) {
	p := newTestProtocol(t, Options{})
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopClosesDataListener(t *testing.T) {
	p := startTestProtocol(t, Options{
		DataAddress:       "127.0.0.1:0",
		DiscoveryAddress:  "127.0.0.1:0",
		BroadcastAddress:  freeUDPAddr(t),
		BroadcastInterval: time.Hour,
	})
	addr := p.DataAddr().String()

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("expected data listener to be closed")
	}
}

func TestNewRejectsInvalidMeshID(t *testing.T) {
	if _, err := New(Options{MeshID: "short", Logger: quietLogger()}); !errors.Is(err, network.ErrInvalidMeshID) {
		t.Fatalf("expected ErrInvalidMeshID, got %v", err)
	}
}

func TestNewGeneratesDistinctIdentities(t *testing.T) {
	a := newTestProtocol(t, Options{})
	b := newTestProtocol(t, Options{})

	if len(a.MeshID()) != network.MeshIDSize {
		t.Fatalf("expected %d-char mesh id, got %q", network.MeshIDSize, a.MeshID())
	}
	if a.MeshID() == b.MeshID() {
		t.Fatalf("expected distinct mesh ids")
	}
	if a.PublicKey() == b.PublicKey() {
		t.Fatalf("expected distinct public keys")
	}
	if a.Role() != DefaultRole {
		t.Fatalf("expected default role, got %q", a.Role())
	}
}

func TestDataListenerBindFailureDegrades(t *testing.T) {
	occupant, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer func() {
		_ = occupant.Close()
	}()

	p := startTestProtocol(t, Options{
		DataAddress:       occupant.Addr().String(),
		DiscoveryAddress:  "127.0.0.1:0",
		BroadcastAddress:  freeUDPAddr(t),
		BroadcastInterval: time.Hour,
	})

	if p.DataAddr() != nil {
		t.Fatalf("expected data listener to be disabled")
	}
	if !p.discoveryService().Listening() {
		t.Fatalf("expected discovery to keep running")
	}
}

func TestMetricsAreRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	p := newTestProtocol(t, Options{Registerer: registry})
	p.deliver(models.Message{Type: EventData})

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, want := range []string{
		"luminamesh_messages_received_total",
		"luminamesh_peers_known",
	} {
		if !names[want] {
			t.Fatalf("expected metric %q to be registered, got %v", want, names)
		}
	}
}

func TestSecurityLogRecordsSightingsFromDiscovery(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	interval := 200 * time.Millisecond
	a, b := startPair(t, "researcher", "coder", interval, func(opts *Options) {
		opts.SecurityLog = store
	})

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := hasPeer(b.GetPeers(""), a.MeshID())
		return ok
	})

	waitForCondition(t, 2*time.Second, func() bool {
		sighting, err := store.GetPeerSighting(a.MeshID())
		return err == nil && sighting.Role == "researcher" && sighting.IPAddress == "127.0.0.1"
	})
}
