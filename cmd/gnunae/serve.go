package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/common/tracing"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	gateway "github.com/fkiller/GnuNae-sub001/internal/gateway/websocket"
	"github.com/fkiller/GnuNae-sub001/internal/host/pool"
	"github.com/fkiller/GnuNae-sub001/internal/task/api"
	"github.com/fkiller/GnuNae-sub001/internal/task/history"
	"github.com/fkiller/GnuNae-sub001/internal/task/runner"
	"github.com/fkiller/GnuNae-sub001/internal/task/scheduler"
	"github.com/fkiller/GnuNae-sub001/internal/task/store"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller: task API, scheduler, host pool and websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := a.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, st)
		},
	}
}

// serve runs every controller service until ctx is cancelled or one fails.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, st *store.Store) error {
	log.Info("starting gnunae controller",
		zap.String("host_mode", cfg.Host.Mode),
		zap.Int("max_concurrency", st.MaxConcurrency()),
		zap.String("store_path", cfg.Tasks.StorePath))

	if err := tracing.Init(ctx, "gnunae", cfg.Tracing.Endpoint); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tracing.Shutdown(flushCtx)
	}()

	eventBus, err := events.Open(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	runnerOpts := []runner.Option{
		runner.WithLogger(log),
		runner.WithEventBus(eventBus),
		runner.WithCollaborator(runner.NewBusCollaborator(eventBus, log)),
	}
	var runs api.RunLister
	if cfg.Tasks.HistoryPath != "" {
		hist, err := history.Open(cfg.Tasks.HistoryPath)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer func() { _ = hist.Close() }()
		runnerOpts = append(runnerOpts, runner.WithHistory(hist))
		runs = hist
	}

	hosts, err := pool.New(ctx, cfg.Host, log, pool.WithEventBus(eventBus))
	if err != nil {
		return fmt.Errorf("initialize host pool: %w", err)
	}

	rn := runner.New(st, hosts, runnerOpts...)
	sched := scheduler.New(st, rn, log, scheduler.WithInterval(cfg.Tasks.ScheduleIntervalDuration()))

	gin.SetMode(gin.ReleaseMode)
	hub := gateway.NewHub(log)
	router := api.NewRouter(log, api.HealthCheck{Name: "events", Check: eventBus.IsConnected})
	api.NewTaskHandlers(st, rn, sched, runs, log, api.WithEventBus(eventBus)).RegisterRoutes(router)
	gateway.NewHandler(hub, log, cfg.Server.AllowedOrigins...).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	gateway.RegisterNotifications(gctx, eventBus, hub, log)

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return ignoreNotRunning(sched.Stop())
	})

	g.Go(func() error {
		log.Info("controller API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("controller API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down controller")
		shutdown(log, shutdownTimeout,
			shutdownStep{"cancel runs", rn.Shutdown},
			shutdownStep{"stop API", srv.Shutdown},
			shutdownStep{"close host pool", hosts.Close},
		)
		return nil
	})

	err = g.Wait()
	log.Info("gnunae controller stopped")
	return err
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// shutdown runs steps in order, each under its own timeout, so a step that
// overruns does not leave the following ones an expired context.
func shutdown(log *logger.Logger, timeout time.Duration, steps ...shutdownStep) {
	for _, step := range steps {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := step.fn(ctx); err != nil {
			log.Warn("shutdown step incomplete", zap.String("step", step.name), zap.Error(err))
		}
		cancel()
	}
}

func ignoreNotRunning(err error) error {
	if errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		return nil
	}
	return err
}
