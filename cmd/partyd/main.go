package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/backend/postgres"
	"github.com/felixgeelhaar/linkparty/internal/config"
	"github.com/felixgeelhaar/linkparty/internal/daemon"
	"github.com/felixgeelhaar/linkparty/internal/dispatch"
	"github.com/felixgeelhaar/linkparty/internal/mirror"
	"github.com/felixgeelhaar/linkparty/internal/notify"
	"github.com/felixgeelhaar/linkparty/internal/opener"
	"github.com/felixgeelhaar/linkparty/internal/party"
	"github.com/felixgeelhaar/linkparty/internal/queue"
	"github.com/felixgeelhaar/linkparty/internal/storage/sqlite"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	pidFileName = "partyd.pid"
	logFileName = "partyd.log"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Ensure ~/.linkparty directory exists
	partyDir, err := config.EnsurePartyDir()
	if err != nil {
		return fmt.Errorf("ensure party dir: %w", err)
	}

	cfg, err := config.LoadLocalConfigFrom(partyDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logFile, err := setupLogging(partyDir, parseLogLevel(cfg.Daemon.LogLevel))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logFile.Close()
	logger := slog.Default()

	pidPath := filepath.Join(partyDir, pidFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, onReady, closeGateway, err := openGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGateway()

	cache, closeCache, err := openCache(partyDir, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	notifyOpts := []notify.Option{notify.WithLogger(logger)}
	if cfg.Notify.AMQP.Enabled {
		conn, err := queue.NewConnection(cfg.Notify.AMQP.URL, cfg.Notify.AMQP.Exchange, logger)
		if err != nil {
			// observers still get local pushes
			logger.Error("amqp unavailable, state events will not be published", "error", err)
		} else {
			defer conn.Close()
			host, _ := os.Hostname()
			notifyOpts = append(notifyOpts, notify.WithSink(queue.NewPublisher(conn, host, logger)))
		}
	}
	notifier := notify.New(notifyOpts...)
	defer notifier.Close()

	manager := party.NewManager(party.Config{
		Gateway:  gateway,
		Cache:    cache,
		Notifier: notifier,
		Logger:   logger,
		Ready: backend.ReadyConfig{
			MaxAttempts: cfg.Backend.Startup.Attempts,
			Delay:       cfg.Backend.Startup.Delay,
			Logger:      logger,
		},
		OnReady: onReady,
	})
	defer manager.Close()

	server, err := daemon.NewServer(daemon.ServerConfig{
		Config:    cfg,
		Commands:  dispatch.New(manager, opener.New(cfg.Opener.Command, logger), logger),
		Hub:       notifier,
		Readiness: manager,
		Version:   Version,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Commands are gated on readiness, so the server can take requests
	// while the backend is still coming up.
	go func() {
		reason, err := party.DetectLaunchReason(ctx, cache, Version)
		if err != nil {
			logger.Warn("could not detect launch reason", "error", err)
		}
		logger.Info("bootstrapping party state", "reason", reason, "version", Version)
		if err := manager.Bootstrap(ctx, reason); err != nil {
			logger.Error("bootstrap failed, serving without a resumed party", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("received signal, shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}

	slog.Info("daemon stopped")
	return nil
}

// openGateway connects the configured backend behind the bulkhead and
// circuit breaker. The returned hook, if any, prepares the schema once the
// backend answers.
func openGateway(ctx context.Context, cfg *config.LocalConfig, logger *slog.Logger) (backend.Gateway, func(context.Context) error, func(), error) {
	var (
		next    backend.Gateway
		onReady func(context.Context) error
		closeFn = func() {}
	)

	switch cfg.Backend.Driver {
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.Backend.Postgres.URL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.Backend.Postgres.Migrate {
			onReady = store.Migrate
		}
		next = store
		closeFn = store.Close
	default:
		logger.Warn("using in-memory backend, parties are local to this daemon")
		next = backend.NewMemoryStore(backend.WithLogger(logger))
	}

	return backend.NewResilient(next, backend.ResilientConfig{
		Timeout:       cfg.Backend.Breaker.Timeout,
		Interval:      cfg.Backend.Breaker.Interval,
		MaxConcurrent: cfg.Backend.Breaker.MaxConcurrent,
		Logger:        logger,
	}), onReady, closeFn, nil
}

// openCache opens the local mirror: cache/mirror.db or state/mirror.json
// under ~/.linkparty.
func openCache(partyDir string, cfg *config.LocalConfig) (mirror.Store, func(), error) {
	switch cfg.Cache.Driver {
	case config.CacheFile:
		cache, err := mirror.NewFileCache(partyDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file cache: %w", err)
		}
		return cache, func() {}, nil
	default:
		cache, err := sqlite.OpenMirror(filepath.Join(partyDir, "cache", "mirror.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return cache, func() {
			if err := cache.Close(); err != nil {
				slog.Warn("failed to close cache", "error", err)
			}
		}, nil
	}
}

func writePIDFile(path string) error {
	pid := os.Getpid()
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}
