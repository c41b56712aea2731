// Package logging provides structured logging for ticketd on top of log/slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

type contextKey string

const (
	ticketIDKey      contextKey = "ticket_id"
	workerIDKey      contextKey = "worker_id"
	correlationIDKey contextKey = "correlation_id"
)

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level"`  // debug, info, warn, error
	Format   string          `yaml:"format"` // json, text
	Output   string          `yaml:"output"` // stdout, stderr, or file path
	Rotation *RotationConfig `yaml:"rotation,omitempty"`
}

// RotationConfig controls rotation of file output.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size"` // e.g. "50MB"
	MaxAge     string `yaml:"max_age"`  // e.g. "7d"
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns the logging defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// Init replaces the global logger according to cfg.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, err := openOutput(cfg)
	if err != nil {
		return err
	}

	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	setLogger(slog.New(handler).With(slog.String("service", "ticketd")))
	return nil
}

// Suppress discards all log output. The watch TUI calls it so log lines do
// not corrupt the terminal.
func Suppress() {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	setLogger(l)
	slog.SetDefault(l)
}

func setLogger(l *slog.Logger) {
	loggerMu.Lock()
	defaultLogger = l
	loggerMu.Unlock()
}

func parseLevel(level string) slog.Level {
	switch level {
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

func openOutput(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithTicket returns a logger tagged with a ticket id.
func WithTicket(ticketID string) *slog.Logger {
	return Logger().With(slog.String("ticket_id", ticketID))
}

// WithContext returns a logger carrying the ids stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := Logger()
	for _, key := range []contextKey{ticketIDKey, workerIDKey, correlationIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			l = l.With(slog.String(string(key), v))
		}
	}
	return l
}

// ContextWithTicketID stores a ticket id in ctx.
func ContextWithTicketID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ticketIDKey, id)
}

// ContextWithWorker stores a worker id in ctx.
func ContextWithWorker(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// ContextWithCorrelationID stores a request correlation id in ctx.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}
