// Package listener owns the single well-known UDP socket and dispatches
// each inbound RRQ to its own transfer, per spec.md §4.8.
package listener

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/zentarim/rtftp/internal/logger"
	"github.com/zentarim/rtftp/internal/pathsafe"
	"github.com/zentarim/rtftp/internal/wire"
	"github.com/zentarim/rtftp/pkg/config"
	"github.com/zentarim/rtftp/pkg/metrics"
	"github.com/zentarim/rtftp/pkg/transfer"
	"github.com/zentarim/rtftp/pkg/vfs"
)

// Resolver is the subset of *vfs.Resolver the listener needs, kept as an
// interface so tests can substitute a fake.
type Resolver interface {
	Resolve(ctx context.Context, addr config.ClientAddr, reqPath string) (*vfs.ResolvedFile, error)
}

// Listener owns the well-known UDP socket. It never itself blocks on file
// I/O or NBD attach: each datagram is decoded and resolved on its own
// tracked goroutine, and an RRQ that resolves cleanly is served there by a
// transfer.Engine on its own ephemeral socket.
type Listener struct {
	conn      *net.UDPConn
	resolver  Resolver
	engineCfg transfer.EngineConfig
	metrics   *metrics.Metrics

	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// SetMetrics attaches a metrics sink for RRQ and rejection events.
func (l *Listener) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// New binds the well-known UDP socket at addr (host:port, e.g. "0.0.0.0:69").
func New(addr string, resolver Resolver, engineCfg transfer.EngineConfig) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %q: %w", addr, err)
	}
	return &Listener{
		conn:      conn,
		resolver:  resolver,
		engineCfg: engineCfg,
		shutdown:  make(chan struct{}),
	}, nil
}

// Addr returns the bound local address, useful when addr was "host:0".
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is cancelled. It returns once the socket
// is closed and every spawned transfer has finished or been abandoned to
// its own timeout -- in-flight transfers are not force-cancelled, per
// spec.md §5's shutdown policy.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.initiateShutdown()
	}()

	logger.Info("listener: serving", logger.KeyClientAddr, l.Addr().String())

	buf := make([]byte, 65536)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.shutdown:
				l.wg.Wait()
				return nil
			default:
				logger.Debug("listener: read error", logger.KeyError, err.Error())
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.dispatch(ctx, datagram, src)
		}()
	}
}

// Stop closes the well-known socket, unblocking Serve's read loop.
func (l *Listener) Stop() {
	l.initiateShutdown()
}

func (l *Listener) initiateShutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)
		_ = l.conn.Close()
	})
}

func (l *Listener) dispatch(ctx context.Context, datagram []byte, src *net.UDPAddr) {
	op, err := wire.PeekOpcode(datagram)
	if err != nil {
		return
	}
	if op != wire.OpRRQ {
		logger.Debug("listener: rejecting non-RRQ opcode", logger.KeyOpcode, op.String(), logger.KeyClientAddr, src.String())
		l.reject(src, wire.ErrIllegalOperation, "only read requests are supported")
		return
	}

	rrq, err := wire.DecodeRRQ(datagram)
	if err != nil {
		logger.Debug("listener: malformed rrq", logger.KeyClientAddr, src.String(), logger.KeyError, err.Error())
		l.reject(src, wire.ErrIllegalOperation, "malformed request")
		return
	}

	reqPath, err := pathsafe.Clean(rrq.Filename)
	if err != nil {
		logger.Debug("listener: unsafe path", logger.KeyClientAddr, src.String(), logger.KeyPath, rrq.Filename)
		l.reject(src, wire.ErrAccessViolation, "invalid path")
		return
	}

	addr := config.ClientAddr(src.IP.String())
	file, err := l.resolver.Resolve(ctx, addr, reqPath)
	if err != nil {
		logger.Debug("listener: resolve miss", logger.KeyClientAddr, src.String(), logger.KeyPath, reqPath)
		l.metrics.RecordRRQ("not_found")
		l.reject(src, wire.ErrFileNotFound, "file not found")
		return
	}
	l.metrics.RecordRRQ(file.Layer.String())

	engine, err := transfer.New(src, file, rrq, l.engineCfg)
	if err != nil {
		logger.Warn("listener: failed to start transfer", logger.KeyClientAddr, src.String(), logger.KeyError, err.Error())
		file.Close()
		l.reject(src, wire.ErrUndefined, "server error")
		return
	}

	engine.Serve(ctx)
}

// reject sends a best-effort ERROR packet from the well-known socket itself
// -- there is no transfer and so no ephemeral socket to reply from.
func (l *Listener) reject(src *net.UDPAddr, code wire.ErrorCode, msg string) {
	pkt := wire.EncodeERROR(code, msg)
	_, _ = l.conn.WriteToUDP(pkt, src)
	l.metrics.RecordError(strconv.Itoa(int(code)))
}
