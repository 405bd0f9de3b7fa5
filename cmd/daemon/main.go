// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/api"
	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/config"
	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe defaults until the configuration is loaded.
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "namegnome-serve",
		Version: version.Version,
	})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("invalid configuration")
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "namegnome-serve",
		Version: version.Version,
		Debug:   cfg.Debug,
	})

	store, err := cache.Open(cfg.CachePath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "cache.open_failed").
			Str("path", xglog.Path(cfg.CachePath)).
			Msg("failed to open cache store")
	}
	defer func() { _ = store.Close() }()

	if n, err := store.CleanupExpired(ctx); err != nil {
		logger.Warn().Err(err).Msg("cache cleanup failed")
	} else if n > 0 {
		logger.Info().Int64("rows", n).Msg("expired cache rows removed")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("addr", cfg.Listen).
		Bool("offline", cfg.Offline).
		Str("cache", xglog.Path(cfg.CachePath)).
		Msg("starting namegnome-serve")

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(cfg, store).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Scans and applies on large libraries can run for minutes; only the
		// header read is bounded.
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Str("event", "shutdown").Msg("signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			_ = srv.Close()
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().
				Err(err).
				Str("event", "server.failed").
				Msg("http server failed")
		}
	}

	logger.Info().Msg("server exiting")
}
