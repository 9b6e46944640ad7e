// Package logger provides process-wide structured logging for rtftpd.
//
// It wraps log/slog with a colorized text handler for terminals, plain text
// for files, and JSON for log aggregation, plus a request-scoped LogContext
// that the transfer engine and session manager thread through context.Context
// so every log line in a request's lifetime carries client/path/opcode fields
// without having to pass them explicitly at every call site.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents log levels.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

var (
	currentLevel  atomic.Int32
	currentFormat atomic.Value // stores "text" or "json"

	mu       sync.RWMutex
	handler  slog.Handler
	slogger  *slog.Logger
	output   io.Writer = os.Stdout
	useColor bool      = true
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	currentFormat.Store("text")

	if f, ok := output.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}

	reconfigure()
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// reconfigure rebuilds the slog handler based on current settings.
func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	level := Level(currentLevel.Load())
	format, _ := currentFormat.Load().(string)

	levelVar := new(slog.LevelVar)
	levelVar.Set(toSlogLevel(level))

	opts := &slog.HandlerOptions{Level: levelVar}

	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = NewColorTextHandler(output, opts, useColor)
	}

	slogger = slog.New(handler)
}

// Init initializes the logger with the given configuration.
// Output can be "stdout", "stderr", or a file path.
func Init(cfg Config) error {
	if cfg.Output != "" {
		mu.Lock()
		var newOutput io.Writer
		var newUseColor bool

		switch strings.ToLower(cfg.Output) {
		case "stdout", "":
			newOutput = os.Stdout
			newUseColor = isTerminal(os.Stdout.Fd())
		case "stderr":
			newOutput = os.Stderr
			newUseColor = isTerminal(os.Stderr.Fd())
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				mu.Unlock()
				return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
			}
			newOutput = f
			newUseColor = false
		}

		output = newOutput
		useColor = newUseColor
		mu.Unlock()
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}

	return nil
}

// InitWithWriter initializes the logger with a custom io.Writer. Primarily
// useful for testing.
func InitWithWriter(w io.Writer, level, format string, enableColor bool) {
	mu.Lock()
	output = w
	useColor = enableColor
	mu.Unlock()

	if level != "" {
		SetLevel(level)
	}
	if format != "" {
		SetFormat(format)
	}
}

// SetLevel sets the minimum log level.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	default:
		return
	}
	reconfigure()
}

// SetFormat sets the output format (text or json).
func SetFormat(format string) {
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return
	}
	currentFormat.Store(format)
	reconfigure()
}

func getLogger() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

// Debug logs at debug level with structured fields.
func Debug(msg string, args ...any) {
	if LevelDebug < Level(currentLevel.Load()) {
		return
	}
	getLogger().Debug(msg, args...)
}

// Info logs at info level with structured fields.
func Info(msg string, args ...any) {
	if LevelInfo < Level(currentLevel.Load()) {
		return
	}
	getLogger().Info(msg, args...)
}

// Warn logs at warn level with structured fields.
func Warn(msg string, args ...any) {
	if LevelWarn < Level(currentLevel.Load()) {
		return
	}
	getLogger().Warn(msg, args...)
}

// Error logs at error level with structured fields.
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// DebugCtx logs at debug level, auto-injecting LogContext fields.
func DebugCtx(ctx context.Context, msg string, args ...any) {
	if LevelDebug < Level(currentLevel.Load()) {
		return
	}
	getLogger().Debug(msg, appendContextFields(ctx, args)...)
}

// InfoCtx logs at info level, auto-injecting LogContext fields.
func InfoCtx(ctx context.Context, msg string, args ...any) {
	if LevelInfo < Level(currentLevel.Load()) {
		return
	}
	getLogger().Info(msg, appendContextFields(ctx, args)...)
}

// WarnCtx logs at warn level, auto-injecting LogContext fields.
func WarnCtx(ctx context.Context, msg string, args ...any) {
	if LevelWarn < Level(currentLevel.Load()) {
		return
	}
	getLogger().Warn(msg, appendContextFields(ctx, args)...)
}

// ErrorCtx logs at error level, auto-injecting LogContext fields.
func ErrorCtx(ctx context.Context, msg string, args ...any) {
	getLogger().Error(msg, appendContextFields(ctx, args)...)
}

// appendContextFields prepends LogContext fields to args so they appear
// first in output.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}

	ctxArgs := make([]any, 0, 8+len(args))

	if lc.ClientAddr != "" {
		ctxArgs = append(ctxArgs, KeyClientAddr, lc.ClientAddr)
	}
	if lc.CorrelationID != "" {
		ctxArgs = append(ctxArgs, KeyCorrelationID, lc.CorrelationID)
	}
	if lc.Opcode != "" {
		ctxArgs = append(ctxArgs, KeyOpcode, lc.Opcode)
	}
	if lc.Path != "" {
		ctxArgs = append(ctxArgs, KeyPath, lc.Path)
	}
	if lc.Block != 0 {
		ctxArgs = append(ctxArgs, KeyBlock, lc.Block)
	}

	ctxArgs = append(ctxArgs, args...)
	return ctxArgs
}

// With returns a new slog.Logger with additional attributes.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Duration returns the duration since start in milliseconds.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
