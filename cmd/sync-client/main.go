// Orchard sync client.
//
// Mirrors one workspace into a local directory: remote changes are
// written to disk, local edits are pushed upstream, and the engine's
// fingerprint/marker pairing keeps the two directions from feeding
// back into each other.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fruitsalade/orchard/internal/config"
	"github.com/fruitsalade/orchard/internal/sync"
	"github.com/fruitsalade/orchard/internal/watcher"
	"github.com/fruitsalade/orchard/pkg/client"
	"github.com/fruitsalade/orchard/pkg/logger"
	"github.com/fruitsalade/orchard/pkg/retry"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		logger.Error("configuration error: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.MirrorDir, 0755); err != nil {
		logger.Error("create mirror dir: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	logger.Info("connecting to %s", cfg.ServerURL)
	conn, err := client.Dial(ctx, client.Config{
		URL:            cfg.ServerURL,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		logger.Error("connect: %v", err)
		os.Exit(1)
	}
	defer conn.Close()

	sessionID, err := conn.Join(ctx, cfg.WorkspaceID, cfg.Token)
	if err != nil {
		logger.Error("join workspace %s: %v", cfg.WorkspaceID, err)
		os.Exit(1)
	}
	logger.Info("joined workspace %s as session %s", cfg.WorkspaceID, sessionID)

	fingerprints := sync.NewFingerprints(filepath.Join(cfg.MirrorDir, ".orchard", "fingerprints.json"))
	if err := fingerprints.Load(); err != nil {
		logger.Error("load fingerprints: %v", err)
		os.Exit(1)
	}

	engine := sync.New(cfg.MirrorDir, conn, fingerprints, retry.DefaultConfig())

	w := watcher.New(cfg.MirrorDir, cfg.PollInterval)
	if err := w.Start(ctx); err != nil {
		logger.Error("start watcher: %v", err)
		os.Exit(1)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if err := engine.HandleLocalEvent(ctx, ev); err != nil {
				logger.Error("push %s: %v", ev.Path, err)
			}

		case push, ok := <-conn.Events():
			if !ok {
				logger.Error("server connection lost")
				return
			}
			switch {
			case push.Update != nil:
				if err := engine.ApplySnapshot(push.Update.DocID, push.Update.Content); err != nil {
					logger.Error("apply update %s: %v", push.Update.DocID, err)
				}
			case push.Tree != nil:
				if err := engine.ReconcileTree(ctx, push.Tree); err != nil {
					logger.Error("reconcile tree: %v", err)
				}
			}
		}
	}
}
