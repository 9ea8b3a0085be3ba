// Package config loads and validates the taskforge configuration from YAML,
// applies environment overrides, and watches the file for runtime-tunable
// changes such as the balancing strategy.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all taskforge configuration.
type Config struct {
	// DataDir is the directory for persisted state (experience.log,
	// vector.index, memory checkpoint). Default: ".taskforge".
	DataDir string `yaml:"data_dir"`

	Cache      CacheConfig      `yaml:"cache"`
	Balancer   BalancerConfig   `yaml:"balancer"`
	Memory     MemoryConfig     `yaml:"memory"`
	Vector     VectorConfig     `yaml:"vector"`
	Router     RouterConfig     `yaml:"router"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Probe      ProbeConfig      `yaml:"probe"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Redis      RedisConfig      `yaml:"redis"`
	Secret     SecretConfig     `yaml:"secret"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CacheConfig configures the two-tier result cache.
type CacheConfig struct {
	// MaxEntries bounds the in-process LRU tier. Default: 4096.
	MaxEntries int `yaml:"max_entries"`

	// DefaultTTLSeconds is applied to entries stored without an explicit TTL.
	// Default: 3600.
	DefaultTTLSeconds int `yaml:"default_ttl"`

	// CleanupIntervalSeconds is the expired-entry sweeper period.
	// Default: 300.
	CleanupIntervalSeconds int `yaml:"cleanup_interval"`
}

func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// BackendConfig declares one model-serving endpoint.
type BackendConfig struct {
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	Weight      int    `yaml:"weight"`       // default 1
	MaxInflight int    `yaml:"max_inflight"` // default 4
}

// BalancerConfig configures backend selection and health checking.
type BalancerConfig struct {
	// Strategy is one of round_robin, least_inflight, least_latency, ip_hash,
	// weighted, random. Default: round_robin. Changeable at runtime via the
	// config watcher.
	Strategy string `yaml:"strategy"`

	// HealthIntervalSeconds is the period between health-check rounds.
	// Default: 15.
	HealthIntervalSeconds int `yaml:"health_interval"`

	Backends []BackendConfig `yaml:"backends"`
}

func (c BalancerConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// MemoryConfig configures the adaptive experience memory.
type MemoryConfig struct {
	// MaxTokens is the token budget T_max. Default: 300.
	MaxTokens int `yaml:"max_tokens"`

	// ImportanceThreshold is the admission floor in [0,1]. Default: 0.5.
	ImportanceThreshold float64 `yaml:"importance_threshold"`

	// PersistPath is the checkpoint file. Default: <data_dir>/memory.json.
	PersistPath string `yaml:"persist_path"`
}

// VectorConfig configures the experience embedding index.
type VectorConfig struct {
	// Dimension is the fixed embedding dimensionality D. Default: 384.
	Dimension int `yaml:"dimension"`
}

// VariantConfig declares one model variant, heaviest first.
type VariantConfig struct {
	Name         string  `yaml:"name"`
	MinRAMBytes  uint64  `yaml:"min_ram_bytes"`
	QualityScore float64 `yaml:"quality_score"`
}

// RouterConfig configures resource-aware model selection.
type RouterConfig struct {
	Variants []VariantConfig `yaml:"variants"`
}

// DispatcherConfig configures admission and retry behaviour.
type DispatcherConfig struct {
	// ParallelWorkers caps concurrent dispatches. Default: 8.
	ParallelWorkers int `yaml:"parallel_workers"`

	// MaxQueueSize bounds dispatches waiting for a worker slot. Default: 64.
	MaxQueueSize int `yaml:"max_queue_size"`

	// DefaultTimeoutSeconds is the per-call deadline. Default: 30.
	DefaultTimeoutSeconds int `yaml:"default_timeout"`

	// MaxRetries is the retry budget for transient backend faults.
	// Default: 2.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBaseMS is the exponential retry backoff base. Default: 100.
	BackoffBaseMS int `yaml:"backoff_base_ms"`

	// RAMFloorBytes rejects dispatches when free RAM drops below it.
	// Default: 256 MiB.
	RAMFloorBytes uint64 `yaml:"ram_floor_bytes"`

	// FewShotK is how many experiences each of the recency and vector
	// retrievers contribute to the few-shot context. Default: 3.
	FewShotK int `yaml:"few_shot_k"`
}

func (c DispatcherConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

func (c DispatcherConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// ProbeConfig configures the system sampler.
type ProbeConfig struct {
	// IntervalSeconds is the snapshot refresh period. Default: 1.
	IntervalSeconds int `yaml:"interval"`
}

func (c ProbeConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RuntimeConfig configures the local model runtime client.
type RuntimeConfig struct {
	// Endpoint is the default runtime endpoint, used when no backends are
	// configured. Default: "http://localhost:11434".
	Endpoint string `yaml:"endpoint"`

	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig selects the embedding engine for experience vectors.
type EmbeddingConfig struct {
	// Provider: "runtime" (embed via the model runtime), "genai" (Google
	// GenAI), or "fallback" (deterministic hash vectors). Default: "runtime".
	Provider string `yaml:"provider"`

	// Model is the embedding model name. Default: "embeddinggemma" for
	// runtime, "gemini-embedding-001" for genai.
	Model string `yaml:"model"`

	// GenAIAPIKey authorizes the genai provider. Overridden by
	// GEMINI_API_KEY.
	GenAIAPIKey string `yaml:"genai_api_key"`
}

// RedisConfig configures the distributed cache tier. An empty Addr selects
// the in-process KV store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecretConfig configures encryption of sensitive cache entries.
type SecretConfig struct {
	// Passphrase feeds the PBKDF2 key derivation. Overridden by
	// TASKFORGE_SECRET.
	Passphrase string `yaml:"passphrase"`

	// Salt is hex-encoded; a fixed default is used when empty so that
	// replicas derive the same key.
	Salt string `yaml:"salt"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console encoder
}

// Default returns a fully-populated configuration with documented defaults.
func Default() *Config {
	return &Config{
		DataDir: ".taskforge",
		Cache: CacheConfig{
			MaxEntries:             4096,
			DefaultTTLSeconds:      3600,
			CleanupIntervalSeconds: 300,
		},
		Balancer: BalancerConfig{
			Strategy:              "round_robin",
			HealthIntervalSeconds: 15,
		},
		Memory: MemoryConfig{
			MaxTokens:           300,
			ImportanceThreshold: 0.5,
		},
		Vector: VectorConfig{Dimension: 384},
		Router: RouterConfig{
			Variants: []VariantConfig{
				{Name: "llama3:8b", MinRAMBytes: 8 << 30, QualityScore: 0.9},
				{Name: "llama3.2:3b", MinRAMBytes: 4 << 30, QualityScore: 0.7},
				{Name: "llama3.2:1b", MinRAMBytes: 2 << 30, QualityScore: 0.5},
			},
		},
		Dispatcher: DispatcherConfig{
			ParallelWorkers:       8,
			MaxQueueSize:          64,
			DefaultTimeoutSeconds: 30,
			MaxRetries:            2,
			BackoffBaseMS:         100,
			RAMFloorBytes:         256 << 20,
			FewShotK:              3,
		},
		Probe: ProbeConfig{IntervalSeconds: 1},
		Runtime: RuntimeConfig{
			Endpoint: "http://localhost:11434",
			Embedding: EmbeddingConfig{
				Provider: "runtime",
				Model:    "embeddinggemma",
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides, and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TASKFORGE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TASKFORGE_OLLAMA_ENDPOINT"); v != "" {
		c.Runtime.Endpoint = v
	}
	if v := os.Getenv("TASKFORGE_SECRET"); v != "" {
		c.Secret.Passphrase = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Runtime.Embedding.GenAIAPIKey = v
		if c.Runtime.Embedding.Provider == "" {
			c.Runtime.Embedding.Provider = "genai"
		}
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Memory.ImportanceThreshold < 0 || c.Memory.ImportanceThreshold > 1 {
		return fmt.Errorf("memory.importance_threshold must be in [0,1], got %.2f", c.Memory.ImportanceThreshold)
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension)
	}
	if c.Dispatcher.ParallelWorkers <= 0 {
		return fmt.Errorf("dispatcher.parallel_workers must be positive, got %d", c.Dispatcher.ParallelWorkers)
	}
	if c.Dispatcher.MaxQueueSize < 0 {
		return fmt.Errorf("dispatcher.max_queue_size must be non-negative, got %d", c.Dispatcher.MaxQueueSize)
	}
	if len(c.Router.Variants) == 0 {
		return fmt.Errorf("router.variants must not be empty")
	}
	switch c.Balancer.Strategy {
	case "round_robin", "least_inflight", "least_latency", "ip_hash", "weighted", "random":
	default:
		return fmt.Errorf("unknown balancer.strategy %q", c.Balancer.Strategy)
	}
	for i, b := range c.Balancer.Backends {
		if b.ID == "" || b.Address == "" {
			return fmt.Errorf("balancer.backends[%d] requires id and address", i)
		}
	}
	return nil
}
