// Package main runs the pipcast coordinator: the driver process that owns
// the package registry, accepts install/uninstall/list requests and
// propagates them to every registered worker node.
//
// Configuration (see internal/config for the full list):
//   - COORDINATOR_ADDR: listen address (default ":8080")
//   - PIPCAST_STORE: session store backend, "memory" or "redis"
//   - PIPCAST_REDIS_ADDR: redis address when PIPCAST_STORE=redis
//   - PIPCAST_LOCAL_ENV_DIR: when set, the coordinator manages its own
//     virtual environment there and installs into it as well
//   - PIPCAST_VIRTUALENV_ENABLED: seeds pipcast.virtualenv.enabled
//
// Example usage:
//
//	PIPCAST_VIRTUALENV_ENABLED=true ./coordinator
//	curl -X POST localhost:8080/packages -d '{"package":"celery==5.3.0"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dreamware/pipcast/internal/broadcast"
	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/config"
	"github.com/dreamware/pipcast/internal/coordinator"
	"github.com/dreamware/pipcast/internal/envmgr"
	"github.com/dreamware/pipcast/internal/logging"
	"github.com/dreamware/pipcast/internal/storage"
)

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(&cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("coordinator failed", zap.Error(err))
	}
	logger.Info("coordinator stopped")
}

func run(ctx context.Context, cfg *config.Coordinator, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seedMode(ctx, store, cfg.Mode); err != nil {
		return err
	}

	channel := broadcast.New(
		broadcast.NewHTTPSender(cluster.NewClient(0)),
		broadcast.WithTimeout(cfg.BroadcastTimeout),
		broadcast.WithConcurrency(cfg.BroadcastLimit),
		broadcast.WithLogger(logger.Named("broadcast")),
	)

	opts := []coordinator.Option{coordinator.WithLogger(logger.Named("installer"))}
	if cfg.LocalEnvDir != "" {
		local, err := envmgr.New(cfg.Mode, cfg.LocalEnvDir)
		if err != nil {
			return err
		}
		opts = append(opts, coordinator.WithLocalManager(local))
		logger.Info("driver environment enabled", zap.String("dir", cfg.LocalEnvDir))
	}
	installer := coordinator.NewInstaller(store, channel, opts...)

	monitor := coordinator.NewHealthMonitor(cfg.HealthInterval, logger.Named("health"))
	monitor.SetOnUnhealthy(func(nodeID string) { channel.Detach(nodeID) })
	monitor.SetOnRecovered(channel.Rejoin)
	go monitor.Start(ctx, channel.Members)
	defer monitor.Stop()

	srv := newServer(installer, channel, store, monitor, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStore builds the session store selected by cfg.Store.
func openStore(ctx context.Context, cfg *config.Coordinator) (storage.Store, func(), error) {
	if cfg.Store != config.StoreRedis {
		return storage.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	rs := storage.NewRedisStore(client, cfg.RedisKey)
	if err := rs.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return rs, func() { _ = client.Close() }, nil
}

// seedMode writes the configured mode into a fresh session. A store that
// already carries pipcast.virtualenv.enabled is left alone, so settings
// changed at runtime survive restarts on a shared store.
func seedMode(ctx context.Context, store storage.Store, mode config.Mode) error {
	_, err := store.Get(ctx, config.KeyEnabled)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrKeyNotFound):
		return mode.Apply(ctx, store)
	default:
		return fmt.Errorf("read %s: %w", config.KeyEnabled, err)
	}
}
