// Package config provides unified configuration loading for the connection engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the connection engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	LLM           LLMConfig           `yaml:"llm"`
	Detection     DetectionConfig     `yaml:"detection"`
	Worker        WorkerConfig        `yaml:"worker"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings for the admin API.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// LLMConfig holds the chat-completion client settings for the bridge engine.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// DetectionConfig holds per-engine default thresholds.
type DetectionConfig struct {
	Semantic      SemanticConfig      `yaml:"semantic"`
	Contradiction ContradictionConfig `yaml:"contradiction"`
	Bridge        BridgeConfig        `yaml:"bridge"`
}

// SemanticConfig holds semantic-similarity engine defaults.
type SemanticConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxResultsPerChunk  int     `yaml:"max_results_per_chunk"`
	CrossDocumentOnly   bool    `yaml:"cross_document_only"`
	Concurrency         int     `yaml:"concurrency"`
}

// ContradictionConfig holds contradiction engine defaults.
type ContradictionConfig struct {
	MinConceptOverlap  float64 `yaml:"min_concept_overlap"`
	PolarityThreshold  float64 `yaml:"polarity_threshold"`
	MaxResultsPerChunk int     `yaml:"max_results_per_chunk"`
	CrossDocumentOnly  bool    `yaml:"cross_document_only"`
	DetectNegation     bool    `yaml:"detect_negation"`
}

// BridgeConfig holds thematic-bridge engine defaults.
type BridgeConfig struct {
	Enabled                bool    `yaml:"enabled"`
	MinImportance          float64 `yaml:"min_importance"`
	MinStrength            float64 `yaml:"min_strength"`
	MaxSourceChunks        int     `yaml:"max_source_chunks"`
	MaxCandidatesPerSource int     `yaml:"max_candidates_per_source"`
	BatchSize              int     `yaml:"batch_size"`
	Concurrency            int     `yaml:"concurrency"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		LLM: LLMConfig{
			Model:       "google/gemini-2.5-flash",
			BaseURL:     "https://openrouter.ai/api/v1",
			CallTimeout: 60 * time.Second,
			MaxRetries:  3,
		},
		Detection: DetectionConfig{
			Semantic: SemanticConfig{
				SimilarityThreshold: 0.7,
				MaxResultsPerChunk:  50,
				CrossDocumentOnly:   true,
				Concurrency:         3,
			},
			Contradiction: ContradictionConfig{
				MinConceptOverlap:  0.5,
				PolarityThreshold:  0.3,
				MaxResultsPerChunk: 20,
				CrossDocumentOnly:  true,
				DetectNegation:     false,
			},
			Bridge: BridgeConfig{
				Enabled:                true,
				MinImportance:          0.6,
				MinStrength:            0.6,
				MaxSourceChunks:        50,
				MaxCandidatesPerSource: 10,
				BatchSize:              5,
				Concurrency:            5,
			},
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			PollInterval:      5 * time.Second,
			HeartbeatInterval: 15 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "connection-engine",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Detection.Semantic.SimilarityThreshold < 0 || c.Detection.Semantic.SimilarityThreshold > 1 {
		return fmt.Errorf("semantic similarity_threshold must be in [0,1]")
	}

	if c.Detection.Contradiction.MinConceptOverlap < 0 || c.Detection.Contradiction.MinConceptOverlap > 1 {
		return fmt.Errorf("contradiction min_concept_overlap must be in [0,1]")
	}

	if c.Detection.Bridge.BatchSize < 1 {
		return fmt.Errorf("bridge batch_size must be at least 1")
	}

	if c.Detection.Bridge.Enabled && c.LLM.APIKey == "" {
		return fmt.Errorf("llm api_key is required while the bridge engine is enabled; set detection.bridge.enabled: false to run without it")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}

	if v := os.Getenv("SEMANTIC_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.Semantic.SimilarityThreshold = f
		}
	}

	if v := os.Getenv("BRIDGE_MIN_IMPORTANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.Bridge.MinImportance = f
		}
	}

	if v := os.Getenv("BRIDGE_MIN_STRENGTH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.Bridge.MinStrength = f
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
