// SPDX-License-Identifier: MIT

// Package log provides structured logging utilities for namegnome-serve.
package log

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
	Version string    // optional build version attached to every log entry
	Debug   bool      // when false, absolute paths are redacted via Path()
}

var (
	mu          sync.Mutex
	configured  bool
	base        zerolog.Logger
	redactPaths = true
)

// Configure initialises the global zerolog logger. The zero-value call made
// by lazy initialisation picks safe defaults; the daemon reconfigures once
// the loaded configuration is known.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	} else if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}

	service := cfg.Service
	if service == "" {
		service = "namegnome-serve"
	}

	redactPaths = !cfg.Debug

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Str("version", cfg.Version).
		Logger()
	configured = true
}

func logger() zerolog.Logger {
	mu.Lock()
	ok := configured
	mu.Unlock()
	if !ok {
		Configure(Config{})
	}
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// Path renders a filesystem path for logging. Unless debug logging was
// enabled at Configure time only the basename is emitted, so library layouts
// never leak into shared logs.
func Path(p string) string {
	mu.Lock()
	redact := redactPaths
	mu.Unlock()
	if redact {
		return filepath.Base(p)
	}
	return p
}
