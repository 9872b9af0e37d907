package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the structured logger every prober component receives.
// Probe runners attach their probe name with With so each record
// carries it without repeating the key at every call site.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App               string
	Version           string
	Commit            string
	BuildId           string
	Level             slog.Level
	StacktraceLevel   slog.Level
	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// Writer receives records; defaults to stdout. When File is set the
	// records are tee'd to both.
	Writer io.Writer

	// File enables a size-rotated log file next to the console output.
	File FileOptions
}

// FileOptions configures the rotating log file. An empty Path disables it.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}

// discard drops every record. Components built without a logger fall back
// to it, as do checks run outside a probe cycle.
type discard struct{}

func Nop() Logger { return discard{} }

func (d discard) With(...any) Logger                         { return d }
func (discard) Debug(context.Context, string, ...any)        {}
func (discard) Info(context.Context, string, ...any)         {}
func (discard) Warn(context.Context, string, ...any)         {}
func (discard) Error(context.Context, error, string, ...any) {}
func (discard) Sync() error                                  { return nil }

type loggerKey struct{}

// WithContext attaches L so checks and HTTP handlers below a probe cycle
// or request log with its fields.
func WithContext(ctx context.Context, L Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, L)
}

// FromContext returns the logger attached by WithContext, or Nop.
func FromContext(ctx context.Context) Logger {
	if L, ok := ctx.Value(loggerKey{}).(Logger); ok && L != nil {
		return L
	}
	return Nop()
}
