package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"walletbridge/internal/infra/config"
)

// ErrStdoutReserved is returned when logging to stdout is requested while
// stdout carries native messaging frames.
var ErrStdoutReserved = errors.New("stdout is reserved for native messaging")

// redactedKeys are attribute keys whose values never reach the log.
var redactedKeys = map[string]bool{
	"api_key":        true,
	"token":          true,
	"admin_token":    true,
	"password":       true,
	"redis_password": true,
	"signature":      true,
	"secret":         true,
	"private_key":    true,
	"seed_phrase":    true,
}

// Option adjusts logger construction.
type Option func(*options)

type options struct {
	stdoutReserved bool
	service        string
}

// WithStdoutReserved makes New reject "stdout" as output.
func WithStdoutReserved() Option {
	return func(o *options) { o.stdoutReserved = true }
}

// WithService tags every record with service=name.
func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

// New creates a configured *slog.Logger.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig, opts ...Option) (*slog.Logger, func() error, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.stdoutReserved && strings.EqualFold(cfg.Output, "stdout") {
		return nil, nil, ErrStdoutReserved
	}

	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	log := NewWriter(writer, cfg)
	if o.service != "" {
		log = log.With("service", o.service)
	}
	return log, closer, nil
}

// NewWriter builds a logger that writes to w, honoring cfg's level and format.
func NewWriter(w io.Writer, cfg config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// openOutput returns an io.Writer for the specified output target. Parent
// directories of a file target are created.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
