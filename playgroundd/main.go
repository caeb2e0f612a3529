package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/rastion/playground-runtime/playgroundd/cluster"
	"github.com/rastion/playground-runtime/playgroundd/config"
	"github.com/rastion/playground-runtime/playgroundd/handler"
	"github.com/rastion/playground-runtime/playgroundd/logstream"
	"github.com/rastion/playground-runtime/playgroundd/manager"
	"github.com/rastion/playground-runtime/playgroundd/registry"
	"github.com/rastion/playground-runtime/playgroundd/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	clusterClient, err := cluster.NewKubeClient(cfg.Kubeconfig, logger)
	if err != nil {
		logger.Error("Failed to create cluster client", "error", err)
		os.Exit(1)
	}
	logger.Info("Cluster client initialized")

	hub := ws.NewHub(logger)
	reg := registry.New(cfg.MaxEnvironments, cfg.NamespacePrefix, cfg.BaseDomain, logger)
	pipeline := logstream.NewPipeline(cfg.SnapshotWindow, logger)
	mgr := manager.New(cfg, reg, clusterClient, hub, pipeline, logger)
	logger.Info("Sandbox manager initialized", "maxEnvironments", cfg.MaxEnvironments, "sessionTimeout", cfg.SessionTimeout.String())

	router := mux.NewRouter()
	apiHandler := handler.NewAPIHandler(logger, mgr, reg, pipeline, hub)
	apiHandler.Register(router)

	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		mgr.Reclaim(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Listening and starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		gracePeriod := 30 * time.Second
		logger.Info("Shutting down", "grace_period", gracePeriod)
		shutdownCtx, release := context.WithTimeout(context.Background(), gracePeriod)
		defer release()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown complete")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
