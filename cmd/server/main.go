// Orchard workspace server.
//
// One authoritative process per workspace: it owns document content,
// lock state and session state, and broadcasts every change to all
// connected clients over websockets.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/orchard/internal/auth"
	"github.com/fruitsalade/orchard/internal/config"
	"github.com/fruitsalade/orchard/internal/hub"
	"github.com/fruitsalade/orchard/internal/logging"
	"github.com/fruitsalade/orchard/internal/metrics"
	"github.com/fruitsalade/orchard/internal/server"
	"github.com/fruitsalade/orchard/internal/session"
	"github.com/fruitsalade/orchard/internal/storage"
	s3storage "github.com/fruitsalade/orchard/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Orchard server starting...",
		zap.String("workspace", cfg.WorkspaceID),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store storage.Store
	switch cfg.StorageBackend {
	case "s3":
		store, err = s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	default:
		store, err = storage.NewLocal(cfg.WorkspaceRoot)
	}
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}

	var validator auth.Validator
	if cfg.AuthMode == "static" {
		validator = auth.NewStaticValidator(cfg.TokenHash)
	} else {
		validator = auth.NewJWTValidator(cfg.JWTSecret)
	}

	sessions := session.NewManager()
	broadcaster := hub.New(sessions)

	srv := server.New(store, sessions, broadcaster, validator, server.Options{
		WorkspaceID:  cfg.WorkspaceID,
		PingInterval: cfg.PingInterval,
		WriteTimeout: cfg.WriteTimeout,
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
