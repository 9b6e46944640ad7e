// Package transfer implements the per-RRQ state machine: option
// negotiation, the DATA/ACK lock-step data phase, retransmission, and
// termination, per spec.md §4.7.
package transfer

import (
	"net"
	"time"

	"github.com/zentarim/rtftp/internal/wire"
	"github.com/zentarim/rtftp/pkg/vfs"
)

// State is a transfer's position in the state machine described by
// spec.md §4.7: AwaitingInitialAck (only if OACK sent) -> Sending <->
// AwaitingAck -> Done | Errored.
type State int

const (
	StateAwaitingInitialAck State = iota
	StateSending
	StateAwaitingAck
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAwaitingInitialAck:
		return "awaiting_initial_ack"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Context holds everything one in-flight RRQ needs: the remote endpoint,
// negotiated options, current block number, the last DATA payload sent
// (kept for retransmission), the remaining retry budget, and the resolved
// file being served.
type Context struct {
	Remote *net.UDPAddr
	File   *vfs.ResolvedFile

	Negotiated    wire.Negotiated
	OptionsWanted bool // client requested at least one option -> OACK handshake

	State State

	block       uint16
	lastPayload []byte
	offset      int64
	retries     int
	maxRetries  int
}

// NewContext builds a Context for one RRQ, ready to begin option
// negotiation or the data phase.
func NewContext(remote *net.UDPAddr, file *vfs.ResolvedFile, negotiated wire.Negotiated, maxRetries int) *Context {
	c := &Context{
		Remote:        remote,
		File:          file,
		Negotiated:    negotiated,
		OptionsWanted: len(negotiated.Accepted) > 0,
		maxRetries:    maxRetries,
	}
	if c.OptionsWanted {
		c.State = StateAwaitingInitialAck
	} else {
		c.State = StateSending
		c.block = 1
	}
	return c
}

// Timeout is the per-packet retransmission timer duration.
func (c *Context) Timeout() time.Duration {
	return c.Negotiated.Timeout
}
