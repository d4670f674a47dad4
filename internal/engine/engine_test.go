package engine

import (
	"net"
	"testing"
	"time"

	"github.com/WinterSnowfall/wookiee-unicaster/build"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/config"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/control"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/logging"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/slot"
)

// The engine tests run under the testing release, which shortens
// recvTimeout and transientBackoffBase.
func init() {
	build.Release = "testing"
}

// testPair wires a SERVER engine and a CLIENT engine together over loopback,
// using a distinct port range per call so sequential tests never collide.
type testPair struct {
	server *Engine
	client *Engine
}

func loopbackIP() net.IP {
	return net.ParseIP("127.0.0.1").To4()
}

func baseConfig(role config.Role, peerCount int, extPort, destPort, relayBase int) *config.Config {
	return &config.Config{
		Role:                        role,
		BindAddr:                    loopbackIP(),
		PeerCount:                   peerCount,
		AppExternalPort:             extPort,
		AppDestPort:                 destPort,
		PeerSourceIP:                loopbackIP(),
		GameDestIP:                  loopbackIP(),
		ServerRelayBasePort:         relayBase,
		ClientRelayBasePort:         relayBase + 1000,
		ReceiveBufferSize:           2048,
		PacketQueueSize:             8,
		ClientConnectionTimeout:     2 * time.Second,
		ServerConnectionTimeout:     2 * time.Second,
		ServerPeerConnectionTimeout: 5 * time.Second,
		PingInterval:                50 * time.Millisecond,
		PingTimeout:                 500 * time.Millisecond,
		LoggingLevel:                logging.Error,
		Quiet:                       true,
	}
}

// newPair starts a SERVER and CLIENT engine pair over loopback at relayBase,
// and returns them already started. Callers must defer Stop on both.
func newPair(t *testing.T, peerCount, extPort, destPort, relayBase int) (*Engine, *Engine) {
	t.Helper()

	scfg := baseConfig(config.Server, peerCount, extPort, destPort, relayBase)
	ccfg := baseConfig(config.Client, peerCount, extPort, destPort, relayBase)
	// Both roles bind the same relay ports (B_s + i), so the CLIENT binds a
	// second loopback address; its PeerSourceIP still points at the SERVER
	// on 127.0.0.1.
	ccfg.BindAddr = net.ParseIP("127.0.0.2").To4()

	slog := logging.New("server", logging.Error, true)
	clog := logging.New("client", logging.Error, true)

	server := New(scfg, slog)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	client := New(ccfg, clog)
	if err := client.Start(); err != nil {
		server.Stop()
		t.Fatalf("client start: %v", err)
	}

	// Let the CLIENT's keep-alive loop bring up every slot's channel
	// endpoint on the SERVER before any test traffic is sent.
	time.Sleep(200 * time.Millisecond)

	return server, client
}

func mustListenUDP(t *testing.T, addr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}

func recvWithin(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected datagram, got error: %v", err)
	}
	return buf[:n], from
}

func expectSilence(t *testing.T, conn *net.UDPConn, timeout time.Duration) {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := conn.ReadFromUDP(buf)
	if err == nil {
		t.Fatal("expected no datagram, but one arrived")
	}
}

func TestSinglePeerRoundTrip(t *testing.T) {
	const extPort, destPort, relayBase = 29000, 29001, 29010

	game := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: destPort})
	defer game.Close()

	server, client := newPair(t, 1, extPort, destPort, relayBase)
	defer server.Stop()
	defer client.Stop()

	peer := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer peer.Close()

	serverAddr := &net.UDPAddr{IP: loopbackIP(), Port: extPort}
	if _, err := peer.WriteToUDP([]byte("hello from peer"), serverAddr); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	payload, gameFrom := recvWithin(t, game, time.Second)
	if string(payload) != "hello from peer" {
		t.Fatalf("game server got %q", payload)
	}

	if _, err := game.WriteToUDP([]byte("hello from game"), gameFrom); err != nil {
		t.Fatalf("game write: %v", err)
	}

	reply, _ := recvWithin(t, peer, time.Second)
	if string(reply) != "hello from game" {
		t.Fatalf("peer got %q", reply)
	}

	snap := server.stats.Snapshot()
	if snap.SlotAssignments != 1 {
		t.Fatalf("expected exactly one slot assignment, got %d", snap.SlotAssignments)
	}
}

func TestTwoPeersMultiplexWithoutSlotSwap(t *testing.T) {
	const extPort, destPort, relayBase = 29100, 29101, 29110

	game := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: destPort})
	defer game.Close()

	server, client := newPair(t, 2, extPort, destPort, relayBase)
	defer server.Stop()
	defer client.Stop()

	peer0 := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer peer0.Close()
	peer1 := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer peer1.Close()

	serverAddr := &net.UDPAddr{IP: loopbackIP(), Port: extPort}

	if _, err := peer0.WriteToUDP([]byte("from peer0"), serverAddr); err != nil {
		t.Fatalf("peer0 write: %v", err)
	}
	payload0, gameFrom0 := recvWithin(t, game, time.Second)
	if string(payload0) != "from peer0" {
		t.Fatalf("game server got %q for peer0", payload0)
	}

	if _, err := peer1.WriteToUDP([]byte("from peer1"), serverAddr); err != nil {
		t.Fatalf("peer1 write: %v", err)
	}
	payload1, gameFrom1 := recvWithin(t, game, time.Second)
	if string(payload1) != "from peer1" {
		t.Fatalf("game server got %q for peer1", payload1)
	}

	if gameFrom0.Port == gameFrom1.Port {
		t.Fatalf("expected distinct egress ports per slot, both reported %d", gameFrom0.Port)
	}

	if _, err := game.WriteToUDP([]byte("reply0"), gameFrom0); err != nil {
		t.Fatalf("game write reply0: %v", err)
	}
	if _, err := game.WriteToUDP([]byte("reply1"), gameFrom1); err != nil {
		t.Fatalf("game write reply1: %v", err)
	}

	reply0, _ := recvWithin(t, peer0, time.Second)
	if string(reply0) != "reply0" {
		t.Fatalf("peer0 got %q, expected its own reply (slot swap?)", reply0)
	}
	reply1, _ := recvWithin(t, peer1, time.Second)
	if string(reply1) != "reply1" {
		t.Fatalf("peer1 got %q, expected its own reply (slot swap?)", reply1)
	}
}

func TestSecondPeerDroppedWhenSlotsFull(t *testing.T) {
	const extPort, destPort, relayBase = 29200, 29201, 29210

	game := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: destPort})
	defer game.Close()

	server, client := newPair(t, 1, extPort, destPort, relayBase)
	defer server.Stop()
	defer client.Stop()

	peer0 := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer peer0.Close()
	peer1 := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer peer1.Close()

	serverAddr := &net.UDPAddr{IP: loopbackIP(), Port: extPort}

	if _, err := peer0.WriteToUDP([]byte("first"), serverAddr); err != nil {
		t.Fatalf("peer0 write: %v", err)
	}
	recvWithin(t, game, time.Second)

	if _, err := peer1.WriteToUDP([]byte("second"), serverAddr); err != nil {
		t.Fatalf("peer1 write: %v", err)
	}
	expectSilence(t, game, 300*time.Millisecond)

	snap := server.stats.Snapshot()
	if snap.QueueFullDrops != 0 {
		t.Fatalf("did not expect a queue-full drop for a rejected peer, got %d", snap.QueueFullDrops)
	}
}

func TestSlotResetOnInactivity(t *testing.T) {
	const extPort, destPort, relayBase = 29300, 29301, 29310

	scfg := baseConfig(config.Server, 1, extPort, destPort, relayBase)
	scfg.ServerConnectionTimeout = 150 * time.Millisecond
	scfg.ServerPeerConnectionTimeout = 10 * time.Second

	slog := logging.New("server", logging.Error, true)

	server := New(scfg, slog)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	// A plain socket stands in for the CLIENT on slot 0's relay port. A
	// CLIENT engine keeps sending keep-alives, which count as CLIENT traffic
	// and keep the slot alive; this socket goes silent after one HELLO.
	fakeClient := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer fakeClient.Close()
	channelAddr := &net.UDPAddr{IP: loopbackIP(), Port: relayBase}
	if _, err := fakeClient.WriteToUDP(control.Encode(control.Hello, 0), channelAddr); err != nil {
		t.Fatalf("client hello: %v", err)
	}
	recvWithin(t, fakeClient, time.Second) // KEEP-ALIVE-ACK

	peer := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer peer.Close()

	serverAddr := &net.UDPAddr{IP: loopbackIP(), Port: extPort}
	if _, err := peer.WriteToUDP([]byte("ping"), serverAddr); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	recvWithin(t, fakeClient, time.Second)

	if !server.slots[0].Assigned() {
		t.Fatal("expected slot 0 to be assigned after peer traffic")
	}

	// No further CLIENT traffic: server_connection_timeout should reclaim it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !server.slots[0].Assigned() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if server.slots[0].Assigned() {
		t.Fatal("expected slot 0 to be reclaimed by server_connection_timeout")
	}

	snap := server.stats.Snapshot()
	if snap.SlotResets < 1 {
		t.Fatalf("expected at least one recorded reset, got %d", snap.SlotResets)
	}
}

func TestKeepAliveActivatesClientSlot(t *testing.T) {
	const extPort, destPort, relayBase = 29400, 29401, 29410

	game := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: destPort})
	defer game.Close()

	server, client := newPair(t, 1, extPort, destPort, relayBase)
	defer server.Stop()
	defer client.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if client.slots[0].State() == slot.Active {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected client slot 0 to reach ACTIVE via keep-alive ack, got %s", client.slots[0].State())
}

func TestGracefulShutdownResetsClientSlot(t *testing.T) {
	const extPort, destPort, relayBase = 29500, 29501, 29510

	game := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: destPort})
	defer game.Close()

	server, client := newPair(t, 1, extPort, destPort, relayBase)
	defer client.Stop()

	peer := mustListenUDP(t, &net.UDPAddr{IP: loopbackIP(), Port: 0})
	defer peer.Close()
	serverAddr := &net.UDPAddr{IP: loopbackIP(), Port: extPort}
	if _, err := peer.WriteToUDP([]byte("hi"), serverAddr); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	recvWithin(t, game, time.Second)

	if err := server.Stop(); err != nil {
		t.Fatalf("server stop: %v", err)
	}

	// The client's single slot should observe the RESET the server sent on
	// shutdown and bring itself back down to re-HELLO.
	deadline := time.Now().Add(time.Second)
	sawReset := false
	for time.Now().Before(deadline) {
		if client.stats.Snapshot().SlotResets >= 1 {
			sawReset = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sawReset {
		t.Fatal("expected client to record a slot reset after the server's shutdown RESET")
	}
}
