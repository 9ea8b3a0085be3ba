package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"taskforge/internal/backendpool"
	"taskforge/internal/balancer"
	"taskforge/internal/cache"
	"taskforge/internal/config"
	"taskforge/internal/dispatch"
	"taskforge/internal/embedding"
	"taskforge/internal/kvstore"
	"taskforge/internal/logging"
	"taskforge/internal/memory"
	"taskforge/internal/probe"
	"taskforge/internal/router"
	"taskforge/internal/runtime"
	"taskforge/internal/secretbox"
	"taskforge/internal/types"
	"taskforge/internal/vector"
)

// core bundles the wired components and their teardown order.
type core struct {
	cfg        *config.Config
	logger     *zap.Logger
	kv         kvstore.Store
	cache      *cache.Cache
	pool       *backendpool.Pool
	lb         *balancer.Balancer
	health     *backendpool.HealthChecker
	sampler    *probe.Sampler
	mem        *memory.Memory
	index      *vector.Index
	rt         runtime.Runtime
	dispatcher *dispatch.Dispatcher

	stopWatch func()
}

// buildCore constructs every component from the configuration and starts the
// background loops (probe sampler, health checker, config watcher).
func buildCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	c := &core{cfg: cfg, logger: logger}

	// Distributed cache tier: Redis when configured, else in-process.
	if cfg.Redis.Addr != "" {
		c.kv, err = kvstore.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("no redis configured, using in-process kv store")
		c.kv = kvstore.NewMemory()
	}

	var box *secretbox.Box
	if cfg.Secret.Passphrase != "" {
		box, err = secretbox.New(cfg.Secret.Passphrase, cfg.Secret.Salt)
		if err != nil {
			c.kv.Close()
			return nil, err
		}
	}

	c.cache, err = cache.New(cache.Config{
		MaxEntries:      cfg.Cache.MaxEntries,
		DefaultTTL:      cfg.Cache.DefaultTTL(),
		CleanupInterval: cfg.Cache.CleanupInterval(),
	}, c.kv, box, logger)
	if err != nil {
		c.kv.Close()
		return nil, err
	}

	c.rt = runtime.NewOllamaClient(logger)

	c.pool = backendpool.New(logger)
	if len(cfg.Balancer.Backends) == 0 {
		c.pool.Add(backendpool.Config{ID: "local", Address: cfg.Runtime.Endpoint})
	}
	for _, b := range cfg.Balancer.Backends {
		c.pool.Add(backendpool.Config{
			ID:          b.ID,
			Address:     b.Address,
			Weight:      b.Weight,
			MaxInflight: b.MaxInflight,
		})
	}

	c.lb = balancer.New(c.pool, balancer.Strategy(cfg.Balancer.Strategy), logger)

	c.health = backendpool.NewHealthChecker(c.pool, func(ctx context.Context, address string) error {
		_, err := c.rt.ListModels(ctx, address)
		return err
	}, cfg.Balancer.HealthInterval(), logger)
	c.health.Start()

	c.sampler = probe.NewSampler(cfg.Probe.Interval(), logger)
	c.sampler.Start()

	c.index, err = vector.New(cfg.Vector.Dimension, logger)
	if err != nil {
		c.teardown()
		return nil, err
	}
	indexPath := filepath.Join(cfg.DataDir, "vector.index")
	if _, statErr := os.Stat(indexPath); statErr == nil {
		if err := c.index.Load(indexPath); err != nil {
			logger.Warn("vector index load failed, starting empty", zap.Error(err))
		}
	}

	persistPath := cfg.Memory.PersistPath
	if persistPath == "" {
		persistPath = filepath.Join(cfg.DataDir, "memory.json")
	}
	c.mem, err = memory.New(memory.Config{
		MaxTokens:           cfg.Memory.MaxTokens,
		ImportanceThreshold: cfg.Memory.ImportanceThreshold,
		PersistPath:         persistPath,
		LogPath:             filepath.Join(cfg.DataDir, "experience.log"),
	}, c.index.Delete, logger)
	if err != nil {
		c.teardown()
		return nil, err
	}
	if err := c.mem.Restore(); err != nil {
		logger.Warn("memory restore failed, starting empty", zap.Error(err))
	}

	embedder, err := buildEmbedder(ctx, cfg, c)
	if err != nil {
		c.teardown()
		return nil, err
	}

	rtr, err := router.New(variantsFrom(cfg), logger)
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.dispatcher = dispatch.New(dispatch.Config{
		ParallelWorkers: cfg.Dispatcher.ParallelWorkers,
		MaxQueueSize:    cfg.Dispatcher.MaxQueueSize,
		DefaultTimeout:  cfg.Dispatcher.DefaultTimeout(),
		MaxRetries:      cfg.Dispatcher.MaxRetries,
		BackoffBase:     cfg.Dispatcher.BackoffBase(),
		RAMFloorBytes:   cfg.Dispatcher.RAMFloorBytes,
		FewShotK:        cfg.Dispatcher.FewShotK,
	}, dispatch.Deps{
		Probe:    c.sampler,
		Router:   rtr,
		Cache:    c.cache,
		Pool:     c.pool,
		Balancer: c.lb,
		Memory:   c.mem,
		Index:    c.index,
		Runtime:  c.rt,
		Embedder: embedder,
		Logger:   logger,
	})

	// The balancing strategy is the one setting worth flipping without a
	// restart.
	c.stopWatch, err = config.Watch(configPath, logger, func(next *config.Config) {
		c.lb.SetStrategy(balancer.Strategy(next.Balancer.Strategy))
	})
	if err != nil {
		logger.Warn("config watch unavailable", zap.Error(err))
		c.stopWatch = func() {}
	}

	return c, nil
}

// buildEmbedder assembles the embedding engine for experience vectors.
func buildEmbedder(ctx context.Context, cfg *config.Config, c *core) (embedding.Engine, error) {
	ecfg := cfg.Runtime.Embedding
	switch ecfg.Provider {
	case "", "runtime":
		model := ecfg.Model
		if model == "" {
			model = "embeddinggemma"
		}
		// Embed against a balanced backend like any other runtime call.
		return embedding.EmbedFunc{
			Label: "runtime:" + model,
			Fn: func(ctx context.Context, text string) ([]float32, error) {
				info, err := c.lb.Pick(balancer.PickHints{})
				if err != nil {
					return nil, err
				}
				return c.rt.Embed(ctx, info.Address, model, text)
			},
		}, nil
	case "fallback":
		// The dispatcher carries its own fallback engine.
		return nil, nil
	default:
		return embedding.New(ctx, embedding.Config{
			Provider:    ecfg.Provider,
			Model:       ecfg.Model,
			GenAIAPIKey: ecfg.GenAIAPIKey,
			Dimension:   cfg.Vector.Dimension,
		})
	}
}

func variantsFrom(cfg *config.Config) []router.Variant {
	variants := make([]router.Variant, len(cfg.Router.Variants))
	for i, v := range cfg.Router.Variants {
		variants[i] = router.Variant{
			Name:         v.Name,
			MinRAMBytes:  v.MinRAMBytes,
			QualityScore: v.QualityScore,
		}
	}
	return variants
}

// shutdown drains workers and persists memory and the vector index before
// releasing resources.
func (c *core) shutdown() {
	c.dispatcher.Drain()

	if err := c.mem.Checkpoint(); err != nil {
		c.logger.Error("memory checkpoint failed", zap.Error(err))
	}
	if err := c.mem.Compact(); err != nil {
		c.logger.Error("experience log compaction failed", zap.Error(err))
	}
	if err := c.index.Save(filepath.Join(c.cfg.DataDir, "vector.index")); err != nil {
		c.logger.Error("vector index save failed", zap.Error(err))
	}

	c.teardown()
}

// teardown stops background loops and releases resources without persisting.
// Partially-built cores (construction failures) use it directly.
func (c *core) teardown() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	if c.health != nil {
		c.health.Stop()
		c.health = nil
	}
	if c.sampler != nil {
		c.sampler.Stop()
		c.sampler = nil
	}
	if c.mem != nil {
		c.mem.Close()
	}
	if c.cache != nil {
		c.cache.Close()
	}
	if c.kv != nil {
		c.kv.Close()
	}
	_ = c.logger.Sync()
}

// Dispatch forwards to the dispatcher; exec and tests use it.
func (c *core) Dispatch(ctx context.Context, t *types.Task) (*types.Result, error) {
	return c.dispatcher.Dispatch(ctx, t)
}
