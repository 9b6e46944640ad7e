package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/zentarim/rtftp/internal/logger"
	"github.com/zentarim/rtftp/internal/wire"
	"github.com/zentarim/rtftp/pkg/metrics"
	"github.com/zentarim/rtftp/pkg/vfs"
)

// ErrRetriesExhausted is returned when the retry budget is spent without a
// matching ACK ever arriving -- spec.md §7's TransferTimeout: no ERROR is
// sent, since the peer is presumed gone.
var ErrRetriesExhausted = errors.New("transfer: retry budget exhausted")

// EngineConfig carries the daemon-wide defaults an Engine falls back to
// when a client does not negotiate its own (e.g. retry budget is not a
// wire option and is always server-controlled).
type EngineConfig struct {
	RetryBudget int
	AckTimeout  time.Duration
	Metrics     *metrics.Metrics
}

// Engine runs one RRQ's entire lifecycle on its own ephemeral UDP socket,
// per spec.md §4.7/§4.8: option negotiation, the DATA/ACK lock-step data
// phase, retransmission, and termination.
type Engine struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	file    *vfs.ResolvedFile
	ctx     *Context
	metrics *metrics.Metrics
}

// New binds a fresh ephemeral UDP socket for one transfer and prepares its
// Context from the already-resolved file and the client's requested
// options.
func New(remote *net.UDPAddr, file *vfs.ResolvedFile, rrq *wire.RRQ, cfg EngineConfig) (*Engine, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("transfer: bind ephemeral socket: %w", err)
	}

	negotiated := wire.Negotiate(rrq.Options, file.Stat())
	timeoutNegotiated := false
	for _, o := range negotiated.Accepted {
		if o.Name == wire.OptTimeout {
			timeoutNegotiated = true
		}
	}
	if !timeoutNegotiated && cfg.AckTimeout > 0 {
		negotiated.Timeout = cfg.AckTimeout
	}
	tctx := NewContext(remote, file, negotiated, cfg.RetryBudget)

	return &Engine{conn: conn, remote: remote, file: file, ctx: tctx, metrics: cfg.Metrics}, nil
}

// Serve runs the transfer to completion: it always closes the ephemeral
// socket and releases the resolved file before returning.
func (e *Engine) Serve(ctx context.Context) {
	defer func() { _ = e.conn.Close() }()
	defer e.file.Close()

	done := e.metrics.TransferStarted()
	defer done()

	lc := logger.NewLogContext(e.remote.String())
	ctx = logger.WithContext(ctx, lc)

	if e.ctx.OptionsWanted {
		if err := e.negotiationHandshake(ctx); err != nil {
			e.finish(ctx, err)
			return
		}
	}

	err := e.dataPhase(ctx)
	e.finish(ctx, err)
}

func (e *Engine) finish(ctx context.Context, err error) {
	switch {
	case err == nil:
		e.ctx.State = StateDone
		logger.InfoCtx(ctx, "transfer: complete")
	case errors.Is(err, ErrRetriesExhausted):
		e.ctx.State = StateErrored
		logger.WarnCtx(ctx, "transfer: retry budget exhausted, abandoning")
	default:
		e.ctx.State = StateErrored
		logger.WarnCtx(ctx, "transfer: failed", logger.KeyError, err.Error())
		e.sendError(wire.ErrUndefined, err.Error())
	}
}

func (e *Engine) recordError(code wire.ErrorCode) {
	e.metrics.RecordError(strconv.Itoa(int(code)))
}

// negotiationHandshake sends OACK and waits for ACK block 0, retransmitting
// on timeout up to the retry budget.
func (e *Engine) negotiationHandshake(ctx context.Context) error {
	pkt := wire.EncodeOACK(e.ctx.Negotiated.Accepted)

	for attempt := 0; attempt <= e.ctx.maxRetries; attempt++ {
		if _, err := e.conn.WriteToUDP(pkt, e.remote); err != nil {
			return fmt.Errorf("transfer: send oack: %w", err)
		}

		block, ok, err := e.waitForAck(e.ctx.Timeout())
		if err != nil {
			if attempt == e.ctx.maxRetries {
				return ErrRetriesExhausted
			}
			logger.DebugCtx(ctx, "transfer: oack ack timed out, retrying", logger.KeyAttempt, attempt+1)
			continue
		}
		if !ok {
			return fmt.Errorf("transfer: peer sent error, aborting")
		}
		if block != 0 {
			// Not the ack we're waiting for; treat as a missed beat and retry.
			continue
		}

		e.ctx.State = StateSending
		e.ctx.block = 1
		return nil
	}
	return ErrRetriesExhausted
}

// dataPhase reads and sends DATA blocks in lock-step with client ACKs
// until a short block is acknowledged.
func (e *Engine) dataPhase(ctx context.Context) error {
	blksize := int64(e.ctx.Negotiated.Blksize)

	for {
		payload, eof, err := e.file.ReadAt(e.ctx.offset, blksize)
		if err != nil {
			return fmt.Errorf("transfer: read: %w", err)
		}

		if err := e.sendAndAwaitAck(ctx, payload); err != nil {
			return err
		}

		e.ctx.offset += int64(len(payload))
		if eof || int64(len(payload)) < blksize {
			return nil
		}
	}
}

// sendAndAwaitAck sends one DATA block and waits for its ACK, retransmitting
// on timeout and ignoring duplicate ACKs for the previous block (Sorcerer's
// Apprentice mitigation) without consuming a retry for them.
func (e *Engine) sendAndAwaitAck(ctx context.Context, payload []byte) error {
	e.ctx.State = StateSending
	pkt := wire.EncodeDATA(e.ctx.block, payload)
	e.ctx.lastPayload = pkt

	for attempt := 0; attempt <= e.ctx.maxRetries; attempt++ {
		if _, err := e.conn.WriteToUDP(pkt, e.remote); err != nil {
			return fmt.Errorf("transfer: send data: %w", err)
		}
		if attempt == 0 {
			e.metrics.RecordDataBlock()
		} else {
			e.metrics.RecordRetransmit()
		}
		e.ctx.State = StateAwaitingAck

		deadline := time.Now().Add(e.ctx.Timeout())
		for {
			block, ok, err := e.waitForAckUntil(deadline)
			if err != nil {
				break // timed out; fall through to outer retransmit
			}
			if !ok {
				return fmt.Errorf("transfer: peer sent error, aborting")
			}
			if block != e.ctx.block {
				continue // duplicate ack for a prior block; keep waiting, same deadline
			}
			e.ctx.block++
			e.ctx.retries = 0
			return nil
		}

		if attempt == e.ctx.maxRetries {
			return ErrRetriesExhausted
		}
		logger.DebugCtx(ctx, "transfer: data ack timed out, retransmitting",
			logger.KeyBlock, e.ctx.block, logger.KeyAttempt, attempt+1)
	}
	return ErrRetriesExhausted
}

// waitForAck reads from the ephemeral socket for up to timeout, honoring
// the single-deadline semantics waitForAckUntil relies on.
func (e *Engine) waitForAck(timeout time.Duration) (uint16, bool, error) {
	return e.waitForAckUntil(time.Now().Add(timeout))
}

// waitForAckUntil reads from the ephemeral socket until an ACK arrives from
// the expected remote, deadline elapses, or the client sends an ERROR
// (reported via ok=false, err=nil so the caller aborts without retrying).
// Packets from any other source are discarded per spec.md §4.7.
func (e *Engine) waitForAckUntil(deadline time.Time) (uint16, bool, error) {
	buf := make([]byte, 65536)

	for {
		if err := e.conn.SetReadDeadline(deadline); err != nil {
			return 0, false, err
		}
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, false, err
		}
		if src.IP.String() != e.remote.IP.String() || src.Port != e.remote.Port {
			continue // packet from a stray source; ignore per spec.md §4.7
		}

		op, err := wire.PeekOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case wire.OpACK:
			block, err := wire.DecodeACK(buf[:n])
			if err != nil {
				continue
			}
			return block, true, nil
		case wire.OpERROR:
			return 0, false, nil
		default:
			continue
		}
	}
}

func (e *Engine) sendError(code wire.ErrorCode, msg string) {
	pkt := wire.EncodeERROR(code, msg)
	_, _ = e.conn.WriteToUDP(pkt, e.remote)
	e.recordError(code)
}
