// Package main is the entry point for the Lumen storage emulator, an
// in-memory server speaking the Lumen JSON API, media upload and download,
// the S3-compatible XML surface, and the retry test API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenstore/lumen-go/internal/config"
	"github.com/lumenstore/lumen-go/internal/emulator"
	"github.com/lumenstore/lumen-go/internal/logging"
	"github.com/lumenstore/lumen-go/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 10)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeoutSeconds = *shutdownTimeout
	}

	// Initialize structured logging.
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	metrics.Register()

	store := emulator.NewStore()
	seedState(store, cfg)

	srv := emulator.New(
		emulator.WithStore(store),
		emulator.WithLogger(slog.Default()),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Lumen emulator listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. State is in memory, so there is no
	// cleanup to run.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		// Give in-flight requests time to complete.
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// seedState pre-populates the store with the configured buckets and HMAC
// key so test suites start against known state.
func seedState(store *emulator.Store, cfg *config.Config) {
	for _, name := range cfg.Seed.Buckets {
		if err := store.SeedBucket(cfg.Seed.Project, name); err != nil {
			slog.Warn("Failed to seed bucket", "bucket", name, "error", err)
			continue
		}
		slog.Info("Seeded bucket", "bucket", name, "project", cfg.Seed.Project)
	}
	if cfg.Seed.HMAC.AccessID != "" && cfg.Seed.HMAC.Secret != "" {
		store.SeedHMACKey(cfg.Seed.Project, cfg.Seed.HMAC.AccessID, cfg.Seed.HMAC.Secret, cfg.Seed.HMAC.ServiceAccountEmail)
		slog.Info("Seeded HMAC key", "access_id", cfg.Seed.HMAC.AccessID)
	}
}
