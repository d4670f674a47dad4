// Package engine is the supervisor: it owns every slot, every socket, and
// the goroutines that move datagrams between them, for both the SERVER and
// CLIENT roles. It starts empty and is torn down deterministically on
// Stop: public listener first on SERVER (stop new ingress), then every
// slot's channel sockets, mirroring the shutdown order a reader of the
// worker design would expect.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WinterSnowfall/wookiee-unicaster/build"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/config"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/control"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/natpunch"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/registry"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/relayerr"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/slot"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/udpsock"
	wsync "github.com/WinterSnowfall/wookiee-unicaster/sync"
)

// recvTimeout bounds every socket read so loops wake often enough to notice
// shutdown and drive timers without ever blocking indefinitely. It is much
// shorter under the testing release so a suite built entirely out of real
// loopback sockets doesn't pay the standard release's wakeup latency on
// every read.
func recvTimeout() time.Duration {
	return build.Select(build.Var{
		Standard: 500 * time.Millisecond,
		Dev:      500 * time.Millisecond,
		Testing:  20 * time.Millisecond,
	}).(time.Duration)
}

// transientBackoffBase is the base delay udpsock.Backoff jitters around
// before a read loop retries after a transient I/O error.
func transientBackoffBase() time.Duration {
	return build.Select(build.Var{
		Standard: 100 * time.Millisecond,
		Dev:      100 * time.Millisecond,
		Testing:  5 * time.Millisecond,
	}).(time.Duration)
}

// Engine is one running relay endpoint, either SERVER or CLIENT.
type Engine struct {
	cfg *config.Config
	log *logrus.Entry

	threads wsync.ThreadGroup
	stats   Stats

	slots []*slot.Slot

	// SERVER-only state.
	registry               *registry.Registry
	listener               *udpsock.Socket
	channelSocks           []*udpsock.Socket
	clientEndpoints        []*addrBox // last CLIENT address observed per slot
	lastGlobalPeerActivity int64      // atomic unix nanoseconds

	// CLIENT-only state.
	serverSocks []*udpsock.Socket
	gameSocks   []*udpsock.Socket
	serverAddr  *net.UDPAddr
	gameAddr    *net.UDPAddr
	lastKaAck   []int64 // atomic unix nanoseconds, per slot

	forwarder *natpunch.Forwarder
}

// addrBox is a mutex-guarded *net.UDPAddr, used where a single address is
// read far more often than it's written (one socket shared by many
// concurrent readers/writers, one rarely-changing peer endpoint).
type addrBox struct {
	mu   sync.RWMutex
	addr *net.UDPAddr
}

func (b *addrBox) Load() *net.UDPAddr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addr
}

func (b *addrBox) Store(addr *net.UDPAddr) {
	b.mu.Lock()
	b.addr = addr
	b.mu.Unlock()
}

// New allocates the slot table for cfg but opens no sockets; call Start to
// bring the engine up.
func New(cfg *config.Config, log *logrus.Entry) *Engine {
	slots := make([]*slot.Slot, cfg.PeerCount)
	for i := range slots {
		slots[i] = slot.New(i, cfg.ServerRelayBasePort+i, cfg.ClientRelayBasePort+i, cfg.PacketQueueSize)
	}
	return &Engine{
		cfg:   cfg,
		log:   log,
		slots: slots,
	}
}

// Start binds every socket the configured role needs and spawns its
// workers and timers. A bind failure is always fatal (relayerr.BindError)
// and Start returns without leaving any goroutines running.
func (e *Engine) Start() error {
	switch e.cfg.Role {
	case config.Server:
		return e.startServer()
	case config.Client:
		return e.startClient()
	default:
		return relayerr.New(relayerr.ConfigError, fmt.Errorf("unknown role %q", e.cfg.Role))
	}
}

// Stop signals every worker and timer to exit, waits for them, then closes
// sockets in role-appropriate order and logs the final counters. Stop is
// safe to call exactly once.
func (e *Engine) Stop() error {
	e.sendShutdownResets()

	if err := e.threads.Stop(); err != nil {
		return err
	}

	var closeErrs []error
	if e.listener != nil {
		closeErrs = append(closeErrs, build.ExtendErr("public listener", e.listener.Close()))
	}
	for i, s := range e.channelSocks {
		closeErrs = append(closeErrs, build.ExtendErr(fmt.Sprintf("channel socket %d", i), s.Close()))
	}
	for i, s := range e.serverSocks {
		closeErrs = append(closeErrs, build.ExtendErr(fmt.Sprintf("server socket %d", i), s.Close()))
	}
	for i, s := range e.gameSocks {
		closeErrs = append(closeErrs, build.ExtendErr(fmt.Sprintf("game socket %d", i), s.Close()))
	}

	e.stats.LogSummary(e.log)

	if err := build.ComposeErrors(closeErrs...); err != nil {
		e.log.WithError(err).Warn("errors closing sockets during shutdown")
		return err
	}
	return nil
}

// sendShutdownResets emits a best-effort RESET for every assigned slot, in
// both roles: a cooperating peer that observes it can reclaim the slot
// immediately instead of waiting out an inactivity timer, but its loss
// changes nothing since timeouts remain the canonical reclaim mechanism.
func (e *Engine) sendShutdownResets() {
	for i, s := range e.slots {
		if !s.Assigned() {
			continue
		}
		msg := control.Encode(control.Reset, uint8(i))
		switch e.cfg.Role {
		case config.Server:
			if addr := e.clientEndpoints[i].Load(); addr != nil {
				_ = e.channelSocks[i].Send(msg, addr)
			}
		case config.Client:
			_ = e.serverSocks[i].Send(msg, e.remoteForSlot(i))
		default:
			// Start would already have rejected an unknown role; reaching
			// this with an assigned slot means the role was mutated after
			// startup, which is a developer error, not a user one.
			build.Critical("sendShutdownResets: unreachable role", e.cfg.Role)
		}
	}
}

func (e *Engine) setupUPnP(ctx context.Context) {
	if !e.cfg.UPnP {
		return
	}
	e.forwarder = natpunch.Discover(ctx, e.log)
	if e.forwarder == nil {
		return
	}
	switch e.cfg.Role {
	case config.Server:
		e.forwarder.Forward(e.cfg.AppExternalPort, "wookiee-unicaster app")
		e.forwarder.ForwardRange(e.cfg.ServerRelayBasePort, e.cfg.PeerCount, "wookiee-unicaster relay")
	case config.Client:
		e.forwarder.ForwardRange(e.cfg.ClientRelayBasePort, e.cfg.PeerCount, "wookiee-unicaster egress")
	default:
		build.Critical("setupUPnP: unreachable role", e.cfg.Role)
	}
	e.threads.AfterStop(func() {
		if err := e.forwarder.Clear(); err != nil {
			e.log.WithError(err).Warn("upnp: could not clear every forwarded port")
		}
	})
}

// stopping reports whether shutdown has been signalled, for loops that need
// to check it outside of a select (e.g. right after a non-blocking send).
func (e *Engine) stopping() bool {
	select {
	case <-e.threads.StopChan():
		return true
	default:
		return false
	}
}

// clientEndpoint returns the last CLIENT address observed on slot i's
// channel socket, or nil if none has been seen yet.
func (e *Engine) clientEndpoint(i int) *net.UDPAddr {
	return e.clientEndpoints[i].Load()
}

func (e *Engine) setClientEndpoint(i int, addr *net.UDPAddr) {
	e.clientEndpoints[i].Store(addr)
}

// bindSocket opens a UDP socket bound to ip:port.
func bindSocket(ip net.IP, port int) (*udpsock.Socket, error) {
	return udpsock.Bind(&net.UDPAddr{IP: ip, Port: port})
}
