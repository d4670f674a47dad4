package engine

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/NebulousLabs/fastrand"

	"github.com/WinterSnowfall/wookiee-unicaster/internal/control"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/slot"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/udpsock"
)

func (e *Engine) startClient() error {
	e.serverAddr = &net.UDPAddr{IP: e.cfg.PeerSourceIP, Port: 0}
	e.gameAddr = &net.UDPAddr{IP: e.cfg.GameDestIP, Port: e.cfg.AppDestPort}

	e.serverSocks = make([]*udpsock.Socket, len(e.slots))
	e.gameSocks = make([]*udpsock.Socket, len(e.slots))
	e.lastKaAck = make([]int64, len(e.slots))

	for i, s := range e.slots {
		serverSock, err := bindSocket(e.cfg.BindAddr, s.ChannelPort)
		if err != nil {
			return err
		}
		e.serverSocks[i] = serverSock

		gameSock, err := bindSocket(e.cfg.BindAddr, s.EgressPort)
		if err != nil {
			return err
		}
		e.gameSocks[i] = gameSock

		// CLIENT slots are always in use for the life of the engine: they
		// start bringing themselves up the moment the engine starts, not
		// when a peer shows up (that happens on the SERVER side).
		s.Assign(e.remoteForSlot(i))
	}

	e.setupUPnP(context.Background())

	for i := range e.slots {
		i := i
		if err := e.spawn(func() { e.clientServerSideLoop(i) }); err != nil {
			return err
		}
		if err := e.spawn(func() { e.clientGameSideLoop(i) }); err != nil {
			return err
		}
		if err := e.spawn(func() { e.clientKeepAliveLoop(i) }); err != nil {
			return err
		}
	}
	if err := e.spawn(e.clientTimersLoop); err != nil {
		return err
	}

	e.log.WithField("server", e.serverAddr.IP).Info("client started")
	return nil
}

// clientTimersLoop runs client_connection_timeout: if the local game
// server goes quiet on an active slot, that slot is torn down and brought
// back up from HELLO, rather than left stalled against a game server that
// may have restarted with fresh ephemeral state.
func (e *Engine) clientTimersLoop() {
	ticker := time.NewTicker(tickInterval(e.cfg.ClientConnectionTimeout))
	defer ticker.Stop()

	for {
		select {
		case <-e.threads.StopChan():
			return
		case <-ticker.C:
			for i, s := range e.slots {
				if s.State() == slot.Active && s.IdleSinceEgress() > e.cfg.ClientConnectionTimeout {
					e.log.WithField("slot", i).Info("game server inactive, resetting slot")
					s.BeginReset()
					s.Assign(e.remoteForSlot(i))
					e.stats.incReset()
				}
			}
		}
	}
}

// remoteForSlot is the SERVER's address for slot i's relay port, the
// CLIENT's notion of "remote peer" for that slot.
func (e *Engine) remoteForSlot(i int) *net.UDPAddr {
	return &net.UDPAddr{IP: e.cfg.PeerSourceIP, Port: e.slots[i].ChannelPort}
}

// clientServerSideLoop is bound to the SERVER-facing socket for slot i. It
// originates the HELLO/KA bring-up traffic (via clientKeepAliveLoop) and
// reads whatever the SERVER sends back: KEEP-ALIVE-ACK, RESET, or payload
// bound for the local game server.
func (e *Engine) clientServerSideLoop(i int) {
	s := e.slots[i]
	sock := e.serverSocks[i]

	for !e.stopping() {
		data, _, err := sock.Recv(e.cfg.ReceiveBufferSize, recvTimeout())
		if err != nil {
			e.logRecvErr(err, "server-facing socket")
			continue
		}

		if control.IsControl(data) {
			e.handleClientControl(i, data)
			continue
		}

		s.TouchIngress()
		if err := e.gameSocks[i].Send(data, e.gameAddr); err != nil {
			e.log.WithError(err).Warn("failed to deliver payload to game server")
			continue
		}
		e.stats.addBytes(len(data))
	}
}

func (e *Engine) handleClientControl(i int, data []byte) {
	s := e.slots[i]
	msg, err := control.Decode(data)
	if err != nil {
		e.stats.incProtocolAnomaly()
		e.log.WithError(err).Warn("dropping malformed control message")
		return
	}

	switch msg.Op {
	case control.KeepAliveAck:
		s.Activate()
		atomic.StoreInt64(&e.lastKaAck[i], time.Now().UnixNano())
	case control.Reset:
		e.log.WithField("slot", i).Info("server reset slot, re-establishing")
		s.BeginReset()
		s.Assign(e.remoteForSlot(i))
		e.stats.incReset()
	default:
		e.stats.incProtocolAnomaly()
	}
}

// clientGameSideLoop is bound to the game-facing egress socket for slot i:
// every reply the local game server sends is forwarded back to the SERVER.
func (e *Engine) clientGameSideLoop(i int) {
	s := e.slots[i]
	sock := e.gameSocks[i]

	for !e.stopping() {
		data, _, err := sock.Recv(e.cfg.ReceiveBufferSize, recvTimeout())
		if err != nil {
			e.logRecvErr(err, "game-facing socket")
			continue
		}

		s.TouchEgress()
		if err := e.serverSocks[i].Send(data, e.remoteForSlot(i)); err != nil {
			e.log.WithError(err).Warn("failed to relay payload to server")
			continue
		}
		e.stats.addBytes(len(data))
	}
}

// clientKeepAliveLoop drives slot i's bring-up and liveness: HELLO while
// ASSIGNING, KA while ACTIVE, falling back to HELLO again if no KA-ACK is
// observed within ping_timeout.
func (e *Engine) clientKeepAliveLoop(i int) {
	s := e.slots[i]
	remote := e.remoteForSlot(i)

	// Stagger each slot's first tick so N slots' keep-alives don't all land
	// in the same fraction of a millisecond and arrive at the server as one
	// burst.
	var phase time.Duration
	if e.cfg.PingInterval > 0 {
		phase = time.Duration(fastrand.Intn(int(e.cfg.PingInterval)))
	}
	select {
	case <-e.threads.StopChan():
		return
	case <-time.After(phase):
	}

	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.threads.StopChan():
			return
		case <-ticker.C:
			switch s.State() {
			case slot.Active:
				if e.kaAckStale(i) {
					e.log.WithField("slot", i).Warn("keep-alive ack timed out, re-establishing")
					s.BeginReset()
					s.Assign(remote)
					e.stats.incReset()
					continue
				}
				e.sendControl(e.serverSocks[i], control.KeepAlive, i, remote)
			default:
				e.sendControl(e.serverSocks[i], control.Hello, i, remote)
			}
		}
	}
}

func (e *Engine) kaAckStale(i int) bool {
	last := atomic.LoadInt64(&e.lastKaAck[i])
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) > e.cfg.PingTimeout
}

func (e *Engine) sendControl(sock *udpsock.Socket, op control.Opcode, slotIdx int, to *net.UDPAddr) {
	if err := sock.Send(control.Encode(op, uint8(slotIdx)), to); err != nil {
		e.log.WithError(err).Warnf("failed to send %s", op)
	}
}
