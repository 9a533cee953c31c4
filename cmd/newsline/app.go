package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"newsline/internal/alerts"
	"newsline/internal/config"
	"newsline/internal/content"
	"newsline/internal/engine"
	"newsline/internal/ingest"
	"newsline/internal/ledger"
	"newsline/internal/logging"
	"newsline/internal/metrics"
	"newsline/internal/recency"
	"newsline/internal/scheduler"
	"newsline/internal/storage"
)

const defaultConfigFile = "config.yaml"

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Manager
	logger    *slog.Logger
	logCloser io.Closer
	store     storage.Store
	ledger    *ledger.Ledger
	registry  *ingest.Registry
	cache     *recency.Cache
	engine    *engine.Engine
	sched     *scheduler.Scheduler
	metrics   *metrics.Store
	prom      *metrics.Collectors
	alerts    *alerts.Store
}

// loadConfig resolves the config file from the flag, then NEWSLINE_CONFIG,
// then config.yaml. Without any file the defaults apply.
func loadConfig() (*config.Manager, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("NEWSLINE_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return config.NewStaticManager(config.DefaultConfig()), nil
		}
		path = defaultConfigFile
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

// openStore is enough for commands that only touch the database.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Storage, storage.WithLocation(cfg.Location()), storage.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newApp(ctx context.Context, mgr *config.Manager) (*app, error) {
	cfg := mgr.Get()
	logger, closer, err := logging.New(cfg.LogLevel, cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: mgr, logger: logger, logCloser: closer}

	loc := cfg.Location()
	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	bodies, err := content.New(cfg.Content, loc, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("content store: %w", err)
	}
	if a.registry, err = ingest.BuildRegistry(cfg, logger); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("sources: %w", err)
	}

	a.prom = metrics.NewCollectors()
	a.metrics = metrics.NewStore(len(cfg.Sources)+10, a.prom)
	a.alerts = alerts.NewStore(cfg.Alerts.StoreLimit)
	a.cache = recency.New(loc, recency.WithLogger(logger))
	a.ledger = ledger.New(a.store, logger)
	a.engine = engine.NewEngine(cfg, logger, engine.Deps{
		Registry: a.registry,
		Cache:    a.cache,
		Store:    a.store,
		Content:  bodies,
		Metrics:  a.metrics,
		Prom:     a.prom,
		Alerts:   a.alerts,
	})
	a.sched, err = scheduler.New(cfg.Scheduler, a.engine, a.ledger, logger,
		scheduler.WithAlerts(a.alerts),
		scheduler.WithCollectors(a.prom),
		scheduler.WithLocation(loc),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
