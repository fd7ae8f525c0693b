package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the closed configuration record for the gateway. Unknown keys in
// the config file are a startup error.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Sources     SourcesConfig     `mapstructure:"sources"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ShutdownGraceMs int    `mapstructure:"shutdown_grace_ms"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // when set, logs rotate via lumberjack
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type EmbeddingConfig struct {
	Dim         int    `mapstructure:"dim"`
	ProviderURL string `mapstructure:"provider_url"`
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	CacheSize   int    `mapstructure:"cache_size"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
	MirrorTTLMs int    `mapstructure:"mirror_ttl_ms"`
}

type VectorStoreConfig struct {
	URL         string             `mapstructure:"url"`
	APIKey      string             `mapstructure:"api_key"`
	Collections map[string]string  `mapstructure:"collections"`
	Weights     map[string]float64 `mapstructure:"weights"`
	TimeoutMs   int                `mapstructure:"timeout_ms"`
}

type LLMConfig struct {
	Provider  string `mapstructure:"provider"` // openai | anthropic
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
	RPM       int    `mapstructure:"rpm"` // 0 = unlimited
}

type CacheConfig struct {
	MaxEntries           int            `mapstructure:"max_entries"`
	MaxBytes             int64          `mapstructure:"max_bytes"`
	TTLBaseSeconds       int            `mapstructure:"ttl_base_seconds"`
	SweepIntervalSeconds int            `mapstructure:"sweep_interval_seconds"`
	Semantic             SemanticConfig `mapstructure:"semantic"`
}

type SemanticConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	BaseThreshold float64 `mapstructure:"base_threshold"`
	MinThreshold  float64 `mapstructure:"min_threshold"`
	MaxThreshold  float64 `mapstructure:"max_threshold"`
	RecentWindow  int     `mapstructure:"recent_window"`
}

type PipelineConfig struct {
	TopKPerSource        int `mapstructure:"top_k_per_source"`
	TopKGlobal           int `mapstructure:"top_k_global"`
	DeadlineMs           int `mapstructure:"deadline_ms"`
	PerSourceTimeoutMs   int `mapstructure:"per_source_timeout_ms"`
	TotalSearchTimeoutMs int `mapstructure:"total_search_timeout_ms"`
	MaxConcurrentSources int `mapstructure:"max_concurrent_sources"`
	ContextTokenBudget   int `mapstructure:"context_token_budget"`
}

type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	Window           int `mapstructure:"window"`
	CoolDownMs       int `mapstructure:"cool_down_ms"`
	CoolDownMaxMs    int `mapstructure:"cool_down_max_ms"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SourcesConfig struct {
	File string `mapstructure:"file"` // optional sources.yaml with clients/filters
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"` // per tenant, 0 = disabled
	Burst             int `mapstructure:"burst"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// DefaultConfig returns the configuration defaults. Values here mirror the
// documented option table; Load applies them before reading the file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownGraceMs: 10000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Embedding: EmbeddingConfig{
			CacheSize:   2048,
			TimeoutMs:   10000,
			MirrorTTLMs: int((24 * time.Hour).Milliseconds()),
		},
		VectorStore: VectorStoreConfig{
			URL:       "http://localhost:6333",
			TimeoutMs: 5000,
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			TimeoutMs: 20000,
		},
		Cache: CacheConfig{
			MaxEntries:           10000,
			MaxBytes:             256 << 20,
			TTLBaseSeconds:       3600,
			SweepIntervalSeconds: 300,
			Semantic: SemanticConfig{
				Enabled:       true,
				BaseThreshold: 0.88,
				MinThreshold:  0.78,
				MaxThreshold:  0.95,
				RecentWindow:  128,
			},
		},
		Pipeline: PipelineConfig{
			TopKPerSource:        10,
			TopKGlobal:           8,
			DeadlineMs:           25000,
			PerSourceTimeoutMs:   4000,
			TotalSearchTimeoutMs: 8000,
			MaxConcurrentSources: 6,
			ContextTokenBudget:   2000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           20,
			CoolDownMs:       30000,
			CoolDownMaxMs:    300000,
		},
		RateLimit: RateLimitConfig{
			Burst: 10,
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRatio:  1.0,
		},
	}
}

// Load reads the config file (path, or ANSWERLINE_CONFIG, or
// config/answerline.yaml), applies ANSWERLINE_* env overrides, and rejects
// unknown keys.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ANSWERLINE_CONFIG")
	}
	if path == "" {
		path = "config/answerline.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ANSWERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	seedDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is acceptable: env + defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvSecrets(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDefaults registers defaults with viper so env overrides work for keys
// absent from the file.
func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.shutdown_grace_ms", cfg.Server.ShutdownGraceMs)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
	v.SetDefault("embedding.cache_size", cfg.Embedding.CacheSize)
	v.SetDefault("embedding.timeout_ms", cfg.Embedding.TimeoutMs)
	v.SetDefault("embedding.mirror_ttl_ms", cfg.Embedding.MirrorTTLMs)
	v.SetDefault("vector_store.url", cfg.VectorStore.URL)
	v.SetDefault("vector_store.timeout_ms", cfg.VectorStore.TimeoutMs)
	v.SetDefault("llm.provider", cfg.LLM.Provider)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.timeout_ms", cfg.LLM.TimeoutMs)
	v.SetDefault("cache.max_entries", cfg.Cache.MaxEntries)
	v.SetDefault("cache.max_bytes", cfg.Cache.MaxBytes)
	v.SetDefault("cache.ttl_base_seconds", cfg.Cache.TTLBaseSeconds)
	v.SetDefault("cache.sweep_interval_seconds", cfg.Cache.SweepIntervalSeconds)
	v.SetDefault("cache.semantic.enabled", cfg.Cache.Semantic.Enabled)
	v.SetDefault("cache.semantic.base_threshold", cfg.Cache.Semantic.BaseThreshold)
	v.SetDefault("cache.semantic.min_threshold", cfg.Cache.Semantic.MinThreshold)
	v.SetDefault("cache.semantic.max_threshold", cfg.Cache.Semantic.MaxThreshold)
	v.SetDefault("cache.semantic.recent_window", cfg.Cache.Semantic.RecentWindow)
	v.SetDefault("pipeline.top_k_per_source", cfg.Pipeline.TopKPerSource)
	v.SetDefault("pipeline.top_k_global", cfg.Pipeline.TopKGlobal)
	v.SetDefault("pipeline.deadline_ms", cfg.Pipeline.DeadlineMs)
	v.SetDefault("pipeline.per_source_timeout_ms", cfg.Pipeline.PerSourceTimeoutMs)
	v.SetDefault("pipeline.total_search_timeout_ms", cfg.Pipeline.TotalSearchTimeoutMs)
	v.SetDefault("pipeline.max_concurrent_sources", cfg.Pipeline.MaxConcurrentSources)
	v.SetDefault("pipeline.context_token_budget", cfg.Pipeline.ContextTokenBudget)
	v.SetDefault("breaker.failure_threshold", cfg.Breaker.FailureThreshold)
	v.SetDefault("breaker.window", cfg.Breaker.Window)
	v.SetDefault("breaker.cool_down_ms", cfg.Breaker.CoolDownMs)
	v.SetDefault("breaker.cool_down_max_ms", cfg.Breaker.CoolDownMaxMs)
	v.SetDefault("sources.file", cfg.Sources.File)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("tracing.otlp_endpoint", cfg.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
}

// applyEnvSecrets fills API keys from conventional provider variables when
// the config left them empty.
func applyEnvSecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.VectorStore.APIKey == "" {
		cfg.VectorStore.APIKey = os.Getenv("QDRANT_API_KEY")
	}
}

// Validate enforces the closed option table. A failure here is a fatal
// startup error (exit code 2 in the launcher).
func (c *Config) Validate() error {
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim is required and must be > 0 (got %d)", c.Embedding.Dim)
	}
	if c.Embedding.ProviderURL == "" {
		return fmt.Errorf("embedding.provider_url is required")
	}
	if c.VectorStore.URL == "" {
		return fmt.Errorf("vector_store.url is required")
	}
	if len(c.VectorStore.Collections) == 0 {
		return fmt.Errorf("vector_store.collections must declare at least one source")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic (got %q)", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	s := c.Cache.Semantic
	if s.BaseThreshold < 0 || s.BaseThreshold > 1 ||
		s.MinThreshold < 0 || s.MinThreshold > 1 ||
		s.MaxThreshold < 0 || s.MaxThreshold > 1 {
		return fmt.Errorf("cache.semantic thresholds must be within [0,1]")
	}
	if s.MinThreshold > s.BaseThreshold || s.BaseThreshold > s.MaxThreshold {
		return fmt.Errorf("cache.semantic thresholds must satisfy min <= base <= max (%.2f, %.2f, %.2f)",
			s.MinThreshold, s.BaseThreshold, s.MaxThreshold)
	}
	if c.Cache.MaxEntries <= 0 || c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_entries and cache.max_bytes must be > 0")
	}
	if c.Pipeline.MaxConcurrentSources <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_sources must be > 0")
	}
	if c.Pipeline.TopKPerSource <= 0 || c.Pipeline.TopKGlobal <= 0 {
		return fmt.Errorf("pipeline top_k values must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.Window <= 0 {
		return fmt.Errorf("breaker.failure_threshold and breaker.window must be > 0")
	}
	if c.Breaker.CoolDownMaxMs < c.Breaker.CoolDownMs {
		return fmt.Errorf("breaker.cool_down_max_ms must be >= breaker.cool_down_ms")
	}
	for source, w := range c.VectorStore.Weights {
		if _, ok := c.VectorStore.Collections[source]; !ok {
			return fmt.Errorf("vector_store.weights references unknown source %q", source)
		}
		if w < 0 {
			return fmt.Errorf("vector_store.weights[%s] must be >= 0", source)
		}
	}
	return nil
}

// Durations derived from millisecond fields.

func (c *Config) PipelineDeadline() time.Duration {
	return time.Duration(c.Pipeline.DeadlineMs) * time.Millisecond
}

func (c *Config) PerSourceTimeout() time.Duration {
	return time.Duration(c.Pipeline.PerSourceTimeoutMs) * time.Millisecond
}

func (c *Config) TotalSearchTimeout() time.Duration {
	return time.Duration(c.Pipeline.TotalSearchTimeoutMs) * time.Millisecond
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutMs) * time.Millisecond
}

func (c *Config) CacheTTLBase() time.Duration {
	return time.Duration(c.Cache.TTLBaseSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSeconds) * time.Second
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok || u.Unwrap() == nil {
			return err
		}
		err = u.Unwrap()
	}
}
