// Package main runs a pipcast worker node. The node owns one virtual
// environment and applies the install and uninstall actions the
// coordinator sends it.
//
// Configuration:
//   - NODE_ID: Unique node identifier (required)
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - NODE_ENV_DIR: Virtual environment directory (default: "pipcast-env")
//   - PIPCAST_VIRTUALENV_TYPE: "native" (virtualenv + pip) or "memory"
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/config"
	"github.com/dreamware/pipcast/internal/envmgr"
	"github.com/dreamware/pipcast/internal/logging"
	"github.com/dreamware/pipcast/internal/worker"
)

// registerTimeout bounds the whole registration, retries included.
const registerTimeout = 10 * time.Minute

func main() {
	cfg, err := config.LoadNode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(&cfg.Log).With(zap.String("node_id", cfg.ID))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
	logger.Info("node stopped")
}

func run(ctx context.Context, cfg *config.Node, logger *zap.Logger) error {
	manager, err := envmgr.New(cfg.Mode, cfg.EnvDir)
	if err != nil {
		return err
	}
	info := cluster.NodeInfo{ID: cfg.ID, Addr: cfg.Addr}
	agent := worker.NewAgent(info, manager, logger)

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// listen before registering: the coordinator calls back during /register
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("node listening",
			zap.String("listen", cfg.Listen),
			zap.String("public", cfg.Addr),
			zap.String("env_dir", cfg.EnvDir),
			zap.String("kind", string(cfg.Mode.Kind)))
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	regCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		err := worker.Register(regCtx, nil, cfg.Coordinator, info, registerTimeout, logger)
		if err != nil && regCtx.Err() == nil {
			errCh <- fmt.Errorf("register with %s: %w", cfg.Coordinator, err)
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	return runErr
}
