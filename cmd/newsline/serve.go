package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"newsline/internal/api"
	"newsline/internal/config"
)

const configWatchInterval = 5 * time.Second

func serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, mgr)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger
			logger.Info("newsline starting", "version", version, "config", mgr.Path())

			if n, err := a.engine.Warm(ctx); err != nil {
				logger.Warn("recency cache not warmed, the next cycle retries before fetching", "error", err)
			} else {
				logger.Info("recency cache ready", "entries", n)
			}

			server := api.NewServer(api.Deps{
				Config:     mgr,
				Engine:     a.engine,
				Scheduler:  a.sched,
				Executions: a.ledger,
				Store:      a.store,
				Metrics:    a.metrics,
				Prom:       a.prom,
				Alerts:     a.alerts,
			}, logger, version)
			api.Start(ctx, server)

			// restart-only keys are compared with the startup values
			active := mgr.Get()
			go mgr.Watch(configWatchInterval, func(cfg *config.Config) {
				if keys := config.RestartRequired(active, cfg); len(keys) > 0 {
					logger.Warn("config changes need a restart to apply", "keys", keys)
				}
				a.engine.UpdateConfig(cfg)
				logger.Info("config reloaded", "threshold", cfg.Dedup.Threshold, "title_window", cfg.Dedup.TitleWindow)
			}, func(err error) {
				logger.Warn("config reload failed", "error", err)
			}, ctx.Done())

			if mgr.Get().Scheduler.Enabled && !noScheduler {
				if _, err := a.sched.Start(ctx); err != nil {
					logger.Error("first cycle failed", "error", err)
				}
			} else {
				logger.Info("scheduler not started")
			}

			<-ctx.Done()
			logger.Info("newsline shutting down")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without starting the scheduler")
	return cmd
}
