// Package registry builds the gateway's object graph. Construction is
// explicit and leaves-first so a failure names the component that broke;
// nothing here is lazy or reflective.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/cache"
	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/config"
	"github.com/novadesk-io/answerline/internal/embeddings"
	"github.com/novadesk-io/answerline/internal/health"
	"github.com/novadesk-io/answerline/internal/llm"
	"github.com/novadesk-io/answerline/internal/pipeline"
	"github.com/novadesk-io/answerline/internal/policy"
	"github.com/novadesk-io/answerline/internal/queryengine"
	"github.com/novadesk-io/answerline/internal/ratecontrol"
	"github.com/novadesk-io/answerline/internal/responder"
	"github.com/novadesk-io/answerline/internal/sources"
	"github.com/novadesk-io/answerline/internal/tokencount"
	"github.com/novadesk-io/answerline/internal/vectordb"
)

// Registry holds every long-lived component of the gateway, wired and ready.
// Build constructs it, Start launches the background loops, Close tears it
// down in reverse order.
type Registry struct {
	Config *config.Config
	Logger *zap.Logger

	Sources   *sources.Registry
	Redis     *redis.Client
	RedisWrap *circuitbreaker.RedisWrapper
	Embedder  *embeddings.Service
	VectorDB  *vectordb.Client
	LLM       *llm.Client
	Policy    policy.Engine
	Cache     *cache.Cache
	Engine    *queryengine.Engine
	Responder *responder.Builder
	Pipeline  *pipeline.Orchestrator
	Tenants   *ratecontrol.TenantLimiter
	Health    *health.Manager
	Watcher   *config.Watcher

	cancel context.CancelFunc
}

// Build wires the full component graph from configuration. It does not touch
// the network; adapter reachability is checked separately by VerifyAdapters
// so the launcher can map failures to the right exit code.
func Build(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	r := &Registry{Config: cfg, Logger: logger}

	// Source registry and its optional overlay file.
	r.Sources = sources.NewRegistry(cfg.VectorStore.Collections, cfg.VectorStore.Weights, logger)
	if cfg.Sources.File != "" {
		if err := r.Sources.LoadFile(cfg.Sources.File); err != nil {
			return nil, fmt.Errorf("load sources file: %w", err)
		}
	}

	// Redis mirror is optional; everything downstream accepts a nil mirror.
	if cfg.Redis.Enabled {
		r.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		r.RedisWrap = circuitbreaker.NewRedisWrapper(r.Redis, circuitbreaker.GetRedisConfig(), logger)
	}

	var embMirror embeddings.Mirror
	var cacheMirror cache.Mirror
	if r.RedisWrap != nil {
		embMirror = embeddings.NewRedisMirror(r.RedisWrap)
		cacheMirror = cache.NewRedisMirror(r.RedisWrap)
	}

	breaker := circuitbreaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		CoolDown:         time.Duration(cfg.Breaker.CoolDownMs) * time.Millisecond,
		CoolDownMax:      time.Duration(cfg.Breaker.CoolDownMaxMs) * time.Millisecond,
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		Dim:         cfg.Embedding.Dim,
		ProviderURL: cfg.Embedding.ProviderURL,
		APIKey:      cfg.Embedding.APIKey,
		Model:       cfg.Embedding.Model,
		Timeout:     time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
		CacheSize:   cfg.Embedding.CacheSize,
		MirrorTTL:   time.Duration(cfg.Embedding.MirrorTTLMs) * time.Millisecond,
		Breaker:     breaker,
	}, embMirror, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	r.Embedder = embedder

	r.VectorDB, err = vectordb.NewClient(vectordb.Config{
		URL:     cfg.VectorStore.URL,
		APIKey:  cfg.VectorStore.APIKey,
		Timeout: time.Duration(cfg.VectorStore.TimeoutMs) * time.Millisecond,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("vector store client: %w", err)
	}

	r.LLM, err = llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.LLMTimeout(),
		Breaker:  breaker,
	}, ratecontrol.NewRPMLimiter(cfg.LLM.RPM), logger)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}

	r.Policy, err = policy.NewOPAEngine(&policy.Config{
		Enabled:    cfg.Policy.Enabled,
		Path:       cfg.Policy.Path,
		FailClosed: cfg.Policy.FailClosed,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	var cacheEmbedder cache.Embedder
	if cfg.Cache.Semantic.Enabled {
		cacheEmbedder = r.Embedder
	}
	r.Cache = cache.New(cache.Config{
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxBytes:      cfg.Cache.MaxBytes,
		TTLBase:       cfg.CacheTTLBase(),
		SweepInterval: cfg.SweepInterval(),
		Semantic: cache.SemanticConfig{
			Enabled:       cfg.Cache.Semantic.Enabled,
			BaseThreshold: cfg.Cache.Semantic.BaseThreshold,
			MinThreshold:  cfg.Cache.Semantic.MinThreshold,
			MaxThreshold:  cfg.Cache.Semantic.MaxThreshold,
			RecentWindow:  cfg.Cache.Semantic.RecentWindow,
		},
	}, cacheEmbedder, cacheMirror, logger)

	r.Engine = queryengine.New(queryengine.Config{
		TopKPerSource:    cfg.Pipeline.TopKPerSource,
		TopKGlobal:       cfg.Pipeline.TopKGlobal,
		PerSourceTimeout: cfg.PerSourceTimeout(),
		TotalTimeout:     cfg.TotalSearchTimeout(),
		MaxConcurrent:    cfg.Pipeline.MaxConcurrentSources,
	}, r.Sources, r.VectorDB, r.Policy, breaker.ToConfig(), logger)

	estimator := tokencount.NewEstimator(cfg.LLM.Model)
	r.Responder = responder.New(r.LLM, estimator, cfg.Pipeline.ContextTokenBudget, logger)

	r.Pipeline = pipeline.New(r.Cache, r.Engine, r.Responder, r.Embedder, cfg.PipelineDeadline(), logger)

	r.Tenants = ratecontrol.NewTenantLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, logger)

	r.Health = buildHealth(r, logger)

	r.Watcher, err = buildWatcher(r, logger)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func buildHealth(r *Registry, logger *zap.Logger) *health.Manager {
	mgr := health.NewManager(logger)
	mgr.RegisterChecker(health.NewVectorStoreChecker(r.VectorDB))
	mgr.RegisterChecker(health.NewEmbeddingChecker(r.Embedder))
	mgr.RegisterChecker(health.NewLLMChecker(r.LLM.Provider(), r.LLM.Breaker()))
	if r.RedisWrap != nil {
		mgr.RegisterChecker(health.NewRedisChecker(r.RedisWrap))
	}
	return mgr
}

// buildWatcher registers hot-reload hooks for the sources overlay and the
// policy bundle. Neither artifact being configured leaves the watcher idle
// but valid, so Start and Close stay unconditional.
func buildWatcher(r *Registry, logger *zap.Logger) (*config.Watcher, error) {
	w, err := config.NewWatcher(logger)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if f := r.Config.Sources.File; f != "" {
		if err := w.WatchFile(f, func() error { return r.Sources.LoadFile(f) }); err != nil {
			logger.Warn("Sources file not watchable; edits need a restart",
				zap.String("file", f), zap.Error(err))
		}
	}
	if r.Config.Policy.Enabled && r.Config.Policy.Path != "" {
		if err := w.WatchPolicyDir(r.Config.Policy.Path, r.Policy.Reload); err != nil {
			logger.Warn("Policy dir not watchable; edits need a restart",
				zap.String("dir", r.Config.Policy.Path), zap.Error(err))
		}
	}
	return w, nil
}

// VerifyAdapters confirms the hard dependencies answer before the gateway
// accepts traffic: the vector store (including collection dimensions) and
// the embedding provider. The Redis mirror is best-effort and only warns.
// An error here maps to the adapter-unreachable exit code in the launcher.
func (r *Registry) VerifyAdapters(ctx context.Context) error {
	if err := r.VectorDB.Ping(ctx); err != nil {
		return fmt.Errorf("vector store %s: %w", r.Config.VectorStore.URL, err)
	}
	collections := make([]string, 0, len(r.Config.VectorStore.Collections))
	for _, c := range r.Config.VectorStore.Collections {
		collections = append(collections, c)
	}
	if err := r.VectorDB.ValidateDimensions(ctx, collections, r.Config.Embedding.Dim); err != nil {
		return err
	}
	if err := r.Embedder.Ping(ctx); err != nil {
		return fmt.Errorf("embedding provider %s: %w", r.Config.Embedding.ProviderURL, err)
	}
	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			r.Logger.Warn("Redis mirror unreachable; running memory-only until it recovers",
				zap.String("addr", r.Config.Redis.Addr), zap.Error(err))
		}
	}
	return nil
}

// Start launches the background loops: cache sweeper, config watcher and
// periodic health probes. It returns immediately.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.Cache.Run(ctx)
	r.Watcher.Start(ctx)
	r.Health.Start(ctx)
}

// Close stops background work and releases connections.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	var firstErr error
	if r.Watcher != nil {
		if err := r.Watcher.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
