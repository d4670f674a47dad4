// Package udpsock is the engine's socket layer: a thin
// wrapper around a UDP socket exposing Recv (with an explicit timeout that
// reports Timeout distinctly from a received datagram) and Send, plus
// classification of non-timeout errors into transient (retry after a short
// jittered backoff) or fatal (propagate to the supervisor).
package udpsock

import (
	"errors"
	"net"
	"time"

	"github.com/NebulousLabs/fastrand"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/relayerr"
)

// Socket wraps a bound *net.UDPConn.
type Socket struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on laddr. A failure here is always a BindError,
// fatal to the engine at startup.
func Bind(laddr *net.UDPAddr) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, relayerr.New(relayerr.BindError, err)
	}
	return &Socket{conn: conn}, nil
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Recv reads one datagram into a buffer of bufSize bytes, waiting at most
// timeout. On a timeout it returns (nil, nil, err) where err is a
// *relayerr.EngineError of Kind relayerr.Timeout, distinct from a
// successfully received (possibly empty) datagram.
//
// Datagrams larger than bufSize are truncated by the OS and discarded here
// since they would corrupt application framing.
func (s *Socket) Recv(bufSize int, timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, bufSize+1) // +1 so we can detect truncation
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, relayerr.New(relayerr.TransientIoError, err)
	}
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, relayerr.New(relayerr.Timeout, err)
		}
		return nil, from, classify(err)
	}
	if n > bufSize {
		// Truncated by the OS read into our oversized buffer; discard.
		return nil, from, relayerr.New(relayerr.ProtocolAnomaly, errors.New("datagram exceeds receive buffer size, discarded"))
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, from, nil
}

// Send writes data to the given remote address.
func (s *Socket) Send(data []byte, to *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, to)
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a raw I/O error into the engine's error taxonomy. A closed
// socket is the expected shape of a graceful shutdown race (the read loop
// was blocked in ReadFromUDP when Close was called), same as any other
// non-timeout I/O error: TransientIoError, so the caller's read loop exits
// quietly on the next stop-channel check instead of escalating.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return relayerr.New(relayerr.TransientIoError, err)
}

// Backoff returns a jittered delay to wait before retrying after a
// transient I/O error, so a burst of failures (e.g. a flaky NIC) does not
// spin the read loop. The jitter is drawn from fastrand rather than
// math/rand, matching the upstream gateway's use of fastrand for every
// non-cryptographic random draw in the gateway.
func Backoff(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(fastrand.Intn(int(base)))
	return base/2 + jitter/2
}
