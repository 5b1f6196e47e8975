// Package main is the entry point for the gnunae-host binary.
// gnunae-host runs next to the agent (locally or inside a container),
// supervises one agent process at a time and exits on its own when the
// controller stops sending heartbeats.
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

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/common/tracing"
	"github.com/fkiller/GnuNae-sub001/internal/host/api"
	"github.com/fkiller/GnuNae-sub001/internal/host/config"
	"github.com/fkiller/GnuNae-sub001/internal/host/process"
	"github.com/fkiller/GnuNae-sub001/internal/host/tool"
	"github.com/fkiller/GnuNae-sub001/internal/host/watchdog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := tracing.Init(context.Background(), "gnunae-host", ""); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	log.Info("starting gnunae-host",
		zap.Int("port", cfg.Port),
		zap.String("agent_command", cfg.AgentCommand),
		zap.String("workdir", cfg.WorkDir),
		zap.String("browser_mode", cfg.BrowserMode),
		zap.Bool("watchdog", cfg.WatchdogEnabled))

	procMgr := process.NewManager(cfg, log)
	toolMgr := tool.NewManager(cfg, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	watchdogFired := make(chan struct{})

	var wd *watchdog.Watchdog
	if cfg.WatchdogEnabled {
		wd = watchdog.New(watchdog.Config{
			Timeout:       cfg.HeartbeatTimeoutDuration(),
			CheckInterval: cfg.CheckIntervalDuration(),
			GraceCount:    cfg.GraceCount,
		}, func() { close(watchdogFired) }, watchdog.WithLogger(log))
	}

	server := api.NewServer(cfg, procMgr, toolMgr, wd, log)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	select {
	case sig := <-quit:
		log.Info("shutting down gnunae-host", zap.String("signal", sig.String()))
	case <-watchdogFired:
		log.Warn("shutting down gnunae-host: controller heartbeat lost")
	}

	if wd != nil {
		wd.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	procMgr.Shutdown(ctx)
	toolMgr.Stop(ctx)

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("error shutting down HTTP server", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Debug("tracing shutdown", zap.Error(err))
	}

	// Watchdog termination is a clean exit (status 0).
	log.Info("gnunae-host stopped")
}
