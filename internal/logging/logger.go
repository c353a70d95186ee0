// Package logging builds the slog loggers used by vault-engine and vaultctl.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/vault/backend/internal/config"
)

type options struct {
	console io.Writer
	attrs   []any
}

type Option func(*options)

// WithConsole sends console output to w instead of stdout. vaultctl points it
// at stderr so stdout only carries command results.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
	}
}

// WithAttrs adds key/value pairs to every record.
func WithAttrs(args ...any) Option {
	return func(o *options) {
		o.attrs = append(o.attrs, args...)
	}
}

// Bootstrap is the logger used before configuration has been read.
func Bootstrap(serviceName string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil)).With("service", serviceName)
}

// New builds the service logger. The returned close func releases the log
// file, if one was opened.
func New(serviceName string, cfg config.LogConfig, opts ...Option) (*slog.Logger, func() error, error) {
	o := options{console: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	out, err := openSink(serviceName, cfg, o.console)
	if err != nil {
		return nil, nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format := strings.ToLower(strings.TrimSpace(cfg.Format)); format {
	case "", "text":
		handler = slog.NewTextHandler(out.w, handlerOptions)
	case "json":
		handler = slog.NewJSONHandler(out.w, handlerOptions)
	default:
		_ = out.close()
		return nil, nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}

	logger := slog.New(handler).With("service", serviceName)
	if len(o.attrs) > 0 {
		logger = logger.With(o.attrs...)
	}
	return logger, out.close, nil
}

// sink is where records go; close releases the log file, if any.
type sink struct {
	w     io.Writer
	close func() error
}

func openSink(serviceName string, cfg config.LogConfig, console io.Writer) (sink, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" || output == "console" {
		return sink{w: console, close: func() error { return nil }}, nil
	}
	if output != "file" && output != "both" {
		return sink{}, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}

	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		path = filepath.Join(".docker", serviceName, serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return sink{}, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return sink{}, fmt.Errorf("open log file %q: %w", path, err)
	}

	if output == "file" {
		return sink{w: file, close: file.Close}, nil
	}
	return sink{w: io.MultiWriter(console, file), close: file.Close}, nil
}

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLevel(raw string) (slog.Level, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
	return level, nil
}
