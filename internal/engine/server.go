package engine

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/WinterSnowfall/wookiee-unicaster/internal/control"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/registry"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/relayerr"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/udpsock"
)

func (e *Engine) startServer() error {
	listener, err := bindSocket(e.cfg.BindAddr, e.cfg.AppExternalPort)
	if err != nil {
		return err
	}
	e.listener = listener

	e.channelSocks = make([]*udpsock.Socket, len(e.slots))
	e.clientEndpoints = make([]*addrBox, len(e.slots))
	for i, s := range e.slots {
		sock, err := bindSocket(e.cfg.BindAddr, s.ChannelPort)
		if err != nil {
			return err
		}
		e.channelSocks[i] = sock
		e.clientEndpoints[i] = &addrBox{}
	}

	e.registry = registry.New(e.slots)
	e.setupUPnP(context.Background())

	if err := e.spawn(e.serverIngressLoop); err != nil {
		return err
	}
	for i := range e.slots {
		i := i
		if err := e.spawn(func() { e.serverEgressReader(i) }); err != nil {
			return err
		}
		if err := e.spawn(func() { e.serverEgressWriter(i) }); err != nil {
			return err
		}
	}
	if err := e.spawn(e.serverTimersLoop); err != nil {
		return err
	}

	e.log.WithField("port", e.cfg.AppExternalPort).Info("server listening")
	return nil
}

// spawn tracks fn with the thread group and runs it in a new goroutine.
func (e *Engine) spawn(fn func()) error {
	if err := e.threads.Add(); err != nil {
		return err
	}
	go func() {
		defer e.threads.Done()
		fn()
	}()
	return nil
}

// serverIngressLoop is the engine's single fan-out point: it is the only
// reader of the public listener, and hands every datagram off to a slot
// queue via the registry.
func (e *Engine) serverIngressLoop() {
	for !e.stopping() {
		data, from, err := e.listener.Recv(e.cfg.ReceiveBufferSize, recvTimeout())
		if err != nil {
			e.logRecvErr(err, "public listener")
			continue
		}

		atomic.StoreInt64(&e.lastGlobalPeerActivity, time.Now().UnixNano())

		s, fresh, ok := e.registry.Assign(from)
		if !ok {
			e.log.WithField("peer", from).Warn("peer table full, dropping datagram")
			continue
		}
		if fresh {
			e.stats.incAssignment()
			e.log.WithFields(map[string]interface{}{"peer": from, "slot": s.Index}).Info("peer assigned to slot")
		}
		s.TouchIngress()
		if !s.Enqueue(data) {
			e.stats.incQueueFull()
			e.log.WithField("slot", s.Index).Warn("slot queue full, dropping datagram")
		}
	}
}

// serverEgressReader owns the read side of slot i's channel socket: every
// datagram the CLIENT sends on this socket, control or payload, arrives
// here.
func (e *Engine) serverEgressReader(i int) {
	s := e.slots[i]
	sock := e.channelSocks[i]

	for !e.stopping() {
		data, from, err := sock.Recv(e.cfg.ReceiveBufferSize, recvTimeout())
		if err != nil {
			e.logRecvErr(err, "channel socket")
			continue
		}

		if control.IsControl(data) {
			e.handleServerControl(i, data, from)
			continue
		}

		e.setClientEndpoint(i, from)
		s.TouchEgress()
		if addr := s.RemoteAddr(); addr != nil {
			if err := e.listener.Send(data, addr); err != nil {
				e.log.WithError(err).Warn("failed to relay payload to peer")
				continue
			}
			e.stats.addBytes(len(data))
		}
	}
}

// serverEgressWriter drains slot i's inbound queue (peer -> CLIENT) onto
// its channel socket, addressed to the last CLIENT endpoint observed for
// this slot. It runs alongside serverEgressReader since the same socket is
// read and written concurrently.
func (e *Engine) serverEgressWriter(i int) {
	s := e.slots[i]
	sock := e.channelSocks[i]
	for {
		select {
		case <-e.threads.StopChan():
			return
		case data := <-s.Queue:
			to := e.clientEndpoint(i)
			if to == nil {
				continue
			}
			if err := sock.Send(data, to); err != nil {
				e.log.WithError(err).Warn("failed to relay payload to client")
				continue
			}
			e.stats.addBytes(len(data))
		}
	}
}

func (e *Engine) handleServerControl(i int, data []byte, from *net.UDPAddr) {
	s := e.slots[i]
	msg, err := control.Decode(data)
	if err != nil {
		e.stats.incProtocolAnomaly()
		e.log.WithError(err).Warn("dropping malformed control message")
		return
	}

	e.setClientEndpoint(i, from)
	s.TouchEgress()

	switch msg.Op {
	case control.Hello, control.KeepAlive:
		if s.Assigned() {
			s.Activate()
		}
		ack := control.Encode(control.KeepAliveAck, uint8(i))
		if err := e.channelSocks[i].Send(ack, from); err != nil {
			e.log.WithError(err).Warn("failed to send keep-alive ack")
		}
	case control.Reset:
		e.registry.ResetSlot(s)
		e.stats.incReset()
		e.log.WithField("slot", i).Info("slot reset on client request")
	default:
		e.stats.incProtocolAnomaly()
	}
}

// serverTimersLoop runs the per-slot server_connection_timeout and the
// global server_peer_connection_timeout.
func (e *Engine) serverTimersLoop() {
	ticker := time.NewTicker(tickInterval(e.cfg.ServerConnectionTimeout, e.cfg.ServerPeerConnectionTimeout))
	defer ticker.Stop()

	for {
		select {
		case <-e.threads.StopChan():
			return
		case <-ticker.C:
			e.checkPerSlotServerTimeouts()
			e.checkGlobalPeerTimeout()
		}
	}
}

func (e *Engine) checkPerSlotServerTimeouts() {
	for _, s := range e.slots {
		if s.Assigned() && s.IdleSinceEgress() > e.cfg.ServerConnectionTimeout {
			e.log.WithField("slot", s.Index).Info("slot inactive, resetting")
			e.registry.ResetSlot(s)
			e.stats.incReset()
		}
	}
}

func (e *Engine) checkGlobalPeerTimeout() {
	last := atomic.LoadInt64(&e.lastGlobalPeerActivity)
	if last == 0 {
		return
	}
	if time.Since(time.Unix(0, last)) > e.cfg.ServerPeerConnectionTimeout {
		e.log.Warn("no peer traffic observed, purging peer table")
		e.registry.Purge()
		e.stats.incReset()
		atomic.StoreInt64(&e.lastGlobalPeerActivity, 0)
	}
}

func (e *Engine) logRecvErr(err error, where string) {
	ee, ok := err.(*relayerr.EngineError)
	if ok && ee.Kind == relayerr.Timeout {
		return
	}
	e.stats.incTransientIoError()
	e.log.WithError(err).WithField("socket", where).Error("recv failed")

	if ok && ee.Kind == relayerr.TransientIoError {
		time.Sleep(udpsock.Backoff(transientBackoffBase()))
	}
}

func tickInterval(durations ...time.Duration) time.Duration {
	shortest := durations[0]
	for _, d := range durations[1:] {
		if d < shortest {
			shortest = d
		}
	}
	tick := shortest / 4
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	return tick
}
