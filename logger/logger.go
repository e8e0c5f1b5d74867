// Package logger is the process-wide structured logger for retrogate.
//
// It wraps log/slog and is configured once at startup from the [logging]
// section of the configuration file:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if logFile != nil {
//		defer logFile.Close()
//	}
//
// Output can be "stderr" (default), "stdout", "syslog", or a file path.
// Format is "console" (text) or "json". Messages are short phrases followed
// by key/value pairs:
//
//	logger.Info("Listener started", "name", name, "addr", addr)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/retrogate/retrogate/config"
)

var current atomic.Pointer[slog.Logger]

// syslogHandler forwards records to the local syslog daemon, flattening
// attributes into the message since syslog has no structured fields.
type syslogHandler struct {
	w     *syslog.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)

	msg := b.String()
	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(msg)
	default:
		return h.w.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{w: h.w, level: h.level, attrs: merged}
}

// Groups are flattened; syslog lines carry no nesting.
func (h *syslogHandler) WithGroup(string) slog.Handler {
	return h
}

func streamHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize installs the global logger. When output is a file path the
// opened file is returned so the caller can close it on exit.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var (
		handler slog.Handler
		logFile *os.File
		initErr error
	)

	switch output {
	case "stdout":
		handler = streamHandler(os.Stdout, format, opts)
	case "stderr":
		handler = streamHandler(os.Stderr, format, opts)
	case "syslog":
		if runtime.GOOS == "windows" {
			initErr = fmt.Errorf("syslog is not supported on %s", runtime.GOOS)
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "retrogate")
		if err != nil {
			initErr = fmt.Errorf("failed to connect to syslog: %w", err)
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		handler = &syslogHandler{w: w, level: level}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			initErr = fmt.Errorf("failed to open log file %q: %w", output, err)
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		logFile = f
		handler = streamHandler(f, format, opts)
	}

	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)
	return logFile, initErr
}

// ParseLevel maps a configuration level name to a slog level. Unknown
// names fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the installed logger, or slog's default before Initialize.
func Get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Set replaces the global logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	current.Store(l)
}

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) {
	Get().DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

func Infof(format string, args ...any)  { Get().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Get().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Sync is a no-op kept so callers can defer it unconditionally.
func Sync() error {
	return nil
}
