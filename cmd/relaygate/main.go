// Package main is the entry point for relaygate, an HTTP API gateway that
// authenticates requests, applies per-client and per-route admission
// control, and forwards traffic to healthy upstream replicas with circuit
// breaking, response caching, and retries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("relaygate %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting relaygate", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Watch the routes file for hot-reload when one is configured.
	if cfg.RoutesFile != "" {
		watcher := config.NewWatcher(cfg.RoutesFile, srv.ApplyRoutes, logger)
		go func() {
			if watchErr := watcher.Start(ctx); watchErr != nil {
				logger.Error("routes watcher error", "error", watchErr)
			}
		}()
		defer watcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("relaygate shut down gracefully")
}
