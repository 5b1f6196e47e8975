package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/task/store"
)

// app holds the state shared by every command. Config and logger are loaded
// on first use so that --config is honored.
type app struct {
	configPath string

	once sync.Once
	cfg  *config.Config
	log  *logger.Logger
	err  error
}

func (a *app) load() (*config.Config, *logger.Logger, error) {
	a.once.Do(func() {
		cfg, err := config.LoadWithPath(a.configPath)
		if err != nil {
			a.err = fmt.Errorf("load configuration: %w", err)
			return
		}
		log, err := logger.NewLogger(logger.LoggingConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			OutputPath: cfg.Logging.OutputPath,
		})
		if err != nil {
			a.err = fmt.Errorf("initialize logger: %w", err)
			return
		}
		logger.SetDefault(log)
		a.cfg, a.log = cfg, log
	})
	return a.cfg, a.log, a.err
}

func (a *app) openStore() (*store.Store, error) {
	cfg, log, err := a.load()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Tasks.StorePath,
		store.WithLogger(log),
		store.WithMaxConcurrency(cfg.Tasks.MaxConcurrency),
		store.WithScheduleWindow(cfg.Tasks.ScheduleWindowDuration()))
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	return st, nil
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "gnunae",
		Short:         "GnuNae task controller",
		Long:          "gnunae stores browser automation tasks, fires them on demand, on navigation or on a schedule, and executes them on sandboxed execution hosts.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "directory containing config.yaml")

	rootCmd.AddCommand(
		newServeCmd(a),
		newTaskCmd(a),
		newHostCmd(a),
	)
	return rootCmd
}
