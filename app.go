package main

import (
	"context"
	"log/slog"

	"github.com/samber/do"
	"github.com/samber/oops"

	"memory-graph-go/config"
	"memory-graph-go/graph"
	"memory-graph-go/mcpserver"
	"memory-graph-go/metrics"
	"memory-graph-go/storage"
)

// newInjector registers every service of the server. Nothing is built until
// it is first invoked.
func newInjector(ctx context.Context, cfg *config.Config, logger *slog.Logger) *do.Injector {
	di := do.New()

	do.ProvideValue(di, ctx)
	do.ProvideValue(di, cfg)
	do.ProvideValue(di, logger)

	do.Provide(di, newMetrics)
	do.Provide(di, newBackend)
	do.Provide(di, newStore)
	do.Provide(di, newMCPServer)

	return di
}

func newMetrics(*do.Injector) (*metrics.Metrics, error) {
	return metrics.New(), nil
}

func newBackend(di *do.Injector) (storage.Storage, error) {
	ctx := do.MustInvoke[context.Context](di)
	cfg := do.MustInvoke[*config.Config](di)
	logger := do.MustInvoke[*slog.Logger](di)

	storageCfg := cfg.StorageConfig()

	if cfg.Memory.AutoMigrate {
		result, err := storage.NewMigrator(logger).AutoMigrate(ctx, storageCfg)
		if err != nil {
			return nil, oops.In("startup").With("path", storageCfg.FilePath).Wrapf(err, "auto-migration failed")
		}
		if result != nil {
			logger.Info("Auto-migration completed",
				"entities", result.EntitiesCount,
				"relations", result.RelationsCount,
				"duration", result.Duration)
		}
	}

	backend, err := storage.NewStorage(storageCfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Initialize(); err != nil {
		_ = backend.Close()
		return nil, oops.In("startup").With("path", storageCfg.FilePath).Wrapf(err, "failed to initialize storage")
	}

	logger.Info("Storage ready", "type", storageCfg.Type, "path", storageCfg.FilePath)
	return backend, nil
}

func newStore(di *do.Injector) (*graph.Store, error) {
	ctx := do.MustInvoke[context.Context](di)
	cfg := do.MustInvoke[*config.Config](di)
	logger := do.MustInvoke[*slog.Logger](di)

	backend, err := do.Invoke[storage.Storage](di)
	if err != nil {
		return nil, err
	}

	store, err := graph.Open(ctx, backend,
		graph.WithLogger(logger),
		graph.WithRecorder(do.MustInvoke[*metrics.Metrics](di)),
		graph.WithPartitionSize(cfg.Search.PartitionSize),
	)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

func newMCPServer(di *do.Injector) (*mcpserver.Server, error) {
	cfg := do.MustInvoke[*config.Config](di)
	logger := do.MustInvoke[*slog.Logger](di)

	store, err := do.Invoke[*graph.Store](di)
	if err != nil {
		return nil, err
	}

	return mcpserver.New(store, logger, mcpserver.Options{
		Name:         appName,
		Version:      version,
		DefaultLimit: cfg.Search.DefaultLimit,
	}), nil
}
