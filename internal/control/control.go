// Package control implements the tiny in-band control subprotocol that
// rides over the same UDP sockets as application payload: PEER-HELLO,
// KEEP-ALIVE, KEEP-ALIVE-ACK and RESET. Messages are
// recognized by a reserved sentinel prefix the engine strips before any
// payload reaches the application; payload that happens to start with the
// sentinel is misinterpreted as control, an accepted loss under the
// project's non-goals (no authentication of the data path).
package control

import (
	"fmt"

	"github.com/WinterSnowfall/wookiee-unicaster/internal/relayerr"
)

// Sentinel is the fixed byte sequence that marks a datagram as a control
// message rather than application payload. Eight bytes makes accidental
// collision with real game traffic negligible without
// relying on it for any security property: both endpoints are cooperating
// engines, not mutually suspicious parties.
var Sentinel = []byte("WOOKCTRL")

// Opcode identifies one of the four control messages.
type Opcode byte

const (
	// Hello is sent CLIENT -> SERVER repeatedly during slot bring-up until
	// a KeepAliveAck is observed for that slot.
	Hello Opcode = iota + 1
	// KeepAlive is sent CLIENT -> SERVER periodically while a slot is
	// active, doubling as liveness and NAT-mapping refresh.
	KeepAlive
	// KeepAliveAck is sent SERVER -> CLIENT in response to Hello or
	// KeepAlive.
	KeepAliveAck
	// Reset is an optional hint, sent in either direction, that the sender
	// has torn down its slot.
	Reset
)

func (o Opcode) String() string {
	switch o {
	case Hello:
		return "HELLO"
	case KeepAlive:
		return "KA"
	case KeepAliveAck:
		return "KA-ACK"
	case Reset:
		return "RESET"
	default:
		return fmt.Sprintf("OPCODE(%d)", byte(o))
	}
}

// messageLen is Sentinel + 1 opcode byte + 1 slot-index byte.
var messageLen = len(Sentinel) + 2

// Message is a decoded control message.
type Message struct {
	Op   Opcode
	Slot uint8
}

// IsControl reports whether buf carries the control sentinel prefix. The
// engine calls this before anything else on a freshly received datagram to
// decide whether it is control or application payload.
func IsControl(buf []byte) bool {
	if len(buf) < len(Sentinel) {
		return false
	}
	for i, b := range Sentinel {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// Encode serializes a control message to its wire form.
func Encode(op Opcode, slot uint8) []byte {
	buf := make([]byte, 0, messageLen)
	buf = append(buf, Sentinel...)
	buf = append(buf, byte(op))
	buf = append(buf, slot)
	return buf
}

// Decode parses a buffer already known to carry the control sentinel (i.e.
// IsControl returned true). It returns a ProtocolAnomaly-classified error
// for a truncated message or an unrecognized opcode; both are dropped with
// a warning and are never fatal to the engine.
func Decode(buf []byte) (Message, error) {
	if len(buf) < messageLen {
		return Message{}, relayerr.New(relayerr.ProtocolAnomaly, fmt.Errorf("truncated control message: %d bytes", len(buf)))
	}
	op := Opcode(buf[len(Sentinel)])
	switch op {
	case Hello, KeepAlive, KeepAliveAck, Reset:
	default:
		return Message{}, relayerr.New(relayerr.ProtocolAnomaly, fmt.Errorf("unknown opcode %d", op))
	}
	return Message{Op: op, Slot: buf[len(Sentinel)+1]}, nil
}
