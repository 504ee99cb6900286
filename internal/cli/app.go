package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mboyajeffers/etl-framework/internal/audit"
	"github.com/mboyajeffers/etl-framework/internal/cache"
	"github.com/mboyajeffers/etl-framework/internal/checkpoint"
	"github.com/mboyajeffers/etl-framework/internal/config"
	"github.com/mboyajeffers/etl-framework/internal/logging"
	"github.com/mboyajeffers/etl-framework/internal/metadata"
	"github.com/mboyajeffers/etl-framework/internal/metrics"
	"github.com/mboyajeffers/etl-framework/internal/orchestrator"
	"github.com/mboyajeffers/etl-framework/internal/registry"
	"github.com/mboyajeffers/etl-framework/internal/storage"
	"github.com/mboyajeffers/etl-framework/internal/verticals"
	"github.com/mboyajeffers/etl-framework/internal/writer"
)

// app is everything a command needs, built from configuration.
type app struct {
	cfg     config.Config
	reg     *registry.Registry
	store   storage.Store
	catalog metadata.Catalog
	audit   audit.Emitter
	cache   *cache.Cache
	orch    *orchestrator.Orchestrator
	log     *slog.Logger
}

func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}

func newRegistry(cfg config.Config) (*registry.Registry, error) {
	reg := registry.New()
	if err := verticals.Register(reg, cfg); err != nil {
		return nil, fmt.Errorf("register pipelines: %w", err)
	}
	return reg, nil
}

// newApp wires storage, catalog, cache and checkpoints into an orchestrator.
// workers overrides the configured worker count when positive.
func newApp(ctx context.Context, flags *globalFlags, workers int) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logging.Component("cli")}

	if a.reg, err = newRegistry(cfg); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server stopped", "error", err)
			}
		}()
		a.log.Info("metrics server started", "address", cfg.Metrics.Address)
	}

	if a.store, err = storage.New(ctx, cfg.Storage); err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}
	if a.catalog, err = metadata.NewCatalog(ctx, cfg.Catalog); err != nil {
		a.Close()
		return nil, fmt.Errorf("create catalog: %w", err)
	}
	if a.audit, err = audit.New(cfg.Audit); err != nil {
		a.Close()
		return nil, fmt.Errorf("create audit emitter: %w", err)
	}
	if a.cache, err = cache.New(cache.Config{Enabled: cfg.Cache.Enabled, Dir: cfg.Cache.Dir}); err != nil {
		a.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}
	checkpoints, err := checkpoint.NewManager(checkpoint.Config{Enabled: cfg.Checkpoint.Enabled, Dir: cfg.Checkpoint.Dir})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create checkpoints: %w", err)
	}

	if workers <= 0 {
		workers = cfg.Workers
	}
	a.orch = orchestrator.New(a.reg,
		orchestrator.WithWriter(writer.New(a.store, writer.WithPrefix(cfg.Storage.Prefix))),
		orchestrator.WithCatalog(a.catalog),
		orchestrator.WithAudit(a.audit),
		orchestrator.WithCache(a.cache),
		orchestrator.WithCheckpoints(checkpoints),
		orchestrator.WithWorkers(workers),
	)
	a.log.Debug("application ready",
		"storage", a.store.URI(""),
		"pipelines", a.reg.Len(),
		"workers", workers)
	return a, nil
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.log.Warn("close catalog", "error", err)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warn("close audit emitter", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("close cache", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", "error", err)
		}
	}
}
