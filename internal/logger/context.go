package logger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one TFTP transfer.
type LogContext struct {
	ClientAddr    string    // client IP:port
	CorrelationID string    // unique ID for this transfer's log lines
	Opcode        string    // RRQ, DATA, ACK, ERROR, OACK
	Path          string    // resolved request path
	Block         uint16    // current DATA/ACK block number
	StartTime     time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a transfer from the given client,
// tagging it with a fresh correlation ID so every log line the transfer
// produces can be grepped out of a busy daemon's output.
func NewLogContext(clientAddr string) *LogContext {
	return &LogContext{
		ClientAddr:    clientAddr,
		CorrelationID: uuid.NewString(),
		StartTime:     time.Now(),
	}
}

// Clone returns a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithOpcode returns a copy with the opcode set.
func (lc *LogContext) WithOpcode(opcode string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Opcode = opcode
	}
	return clone
}

// WithPath returns a copy with the resolved path set.
func (lc *LogContext) WithPath(path string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Path = path
	}
	return clone
}

// WithBlock returns a copy with the current block number set.
func (lc *LogContext) WithBlock(block uint16) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Block = block
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
