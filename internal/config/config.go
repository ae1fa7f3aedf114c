// Package config holds the control knobs enumerated in the service's
// external-interface contract: chunking, retrieval, window, prompt and
// extraction tuning, plus backend selection for the pluggable stores.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EndpointConfig describes an HTTP generator or embedder endpoint.
type EndpointConfig struct {
	BaseURL   string `yaml:"base_url"`
	Path      string `yaml:"path"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIHeader string `yaml:"api_header,omitempty"` // "Authorization" or a custom header name
	TimeoutMS int    `yaml:"timeout_ms"`
}

// ChunkerConfig controls internal/chunker.
type ChunkerConfig struct {
	TargetTokens  int `yaml:"target_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// RetrievalConfig controls internal/retrieve.
type RetrievalConfig struct {
	ChunksBefore         int     `yaml:"chunks_before"`
	ChunksAfter          int     `yaml:"chunks_after"`
	MaxSimilar           int     `yaml:"max_similar"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	Strategy             string  `yaml:"strategy"` // fixed|adaptive|intelligent
}

// WindowConfig controls internal/window.
type WindowConfig struct {
	Size                 int `yaml:"size"`
	RetentionHours       int `yaml:"retention_hours"`
	CleanupIntervalMins  int `yaml:"cleanup_interval_minutes"`
}

// PromptConfig controls internal/prompt.
type PromptConfig struct {
	MaxLength        int  `yaml:"max_length"`
	EnableTruncation bool `yaml:"enable_truncation"`
}

// ExtractionConfig controls internal/extract.
type ExtractionConfig struct {
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
}

// TimeoutsConfig holds the per-call deadlines for external calls.
type TimeoutsConfig struct {
	EmbedMS       int `yaml:"embed_ms"`
	GenerateMS    int `yaml:"generate_ms"`
	ExtractMS     int `yaml:"extract_ms"`
	HealthCheckMS int `yaml:"health_check_ms"`
}

// BackendConfig selects which concrete adapter backs each pluggable store.
type BackendConfig struct {
	MessageStore string `yaml:"message_store"` // "memory" | "postgres"
	VectorIndex  string `yaml:"vector_index"`   // "memory" | "qdrant"
	WindowCache  string `yaml:"window_cache"`   // "memory" | "redis"

	PostgresDSN string `yaml:"postgres_dsn,omitempty"`

	QdrantDSN        string `yaml:"qdrant_dsn,omitempty"`
	QdrantCollection string `yaml:"qdrant_collection,omitempty"`
	QdrantDimension  int    `yaml:"qdrant_dimension,omitempty"`

	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
}

// Config is the root configuration object.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path,omitempty"`

	Generator EndpointConfig `yaml:"generator"`
	Embedder  EndpointConfig `yaml:"embedder"`

	Chunker   ChunkerConfig   `yaml:"chunker"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Window    WindowConfig    `yaml:"window"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Extract   ExtractionConfig `yaml:"extract"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Backend   BackendConfig   `yaml:"backend"`
}

// Default returns the configuration with every knob set to its documented
// default.
func Default() Config {
	return Config{
		LogLevel: "info",
		Chunker: ChunkerConfig{
			TargetTokens:  256,
			OverlapTokens: 50,
		},
		Retrieval: RetrievalConfig{
			ChunksBefore:        2,
			ChunksAfter:         2,
			MaxSimilar:          5,
			SimilarityThreshold: 0.3,
			Strategy:            "adaptive",
		},
		Window: WindowConfig{
			Size:                10,
			RetentionHours:      24,
			CleanupIntervalMins: 15,
		},
		Prompt: PromptConfig{
			MaxLength:        4000,
			EnableTruncation: true,
		},
		Extract: ExtractionConfig{
			MaxConcurrentRequests: 5,
		},
		Timeouts: TimeoutsConfig{
			EmbedMS:       30000,
			GenerateMS:    30000,
			ExtractMS:     30000,
			HealthCheckMS: 5000,
		},
		Backend: BackendConfig{
			MessageStore: "memory",
			VectorIndex:  "memory",
			WindowCache:  "memory",
		},
	}
}

// Load reads a YAML file at path and overlays it onto Default(). A missing
// file is not an error; Default() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// applyDefaults fills any zero-valued knob left blank by a partial YAML
// overlay, so a partial file never zeroes a knob.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Chunker.TargetTokens == 0 {
		cfg.Chunker.TargetTokens = d.Chunker.TargetTokens
	}
	if cfg.Chunker.OverlapTokens == 0 {
		cfg.Chunker.OverlapTokens = d.Chunker.OverlapTokens
	}
	if cfg.Retrieval.MaxSimilar == 0 {
		cfg.Retrieval.MaxSimilar = d.Retrieval.MaxSimilar
	}
	if cfg.Retrieval.Strategy == "" {
		cfg.Retrieval.Strategy = d.Retrieval.Strategy
	}
	if cfg.Window.Size == 0 {
		cfg.Window.Size = d.Window.Size
	}
	if cfg.Window.RetentionHours == 0 {
		cfg.Window.RetentionHours = d.Window.RetentionHours
	}
	if cfg.Window.CleanupIntervalMins == 0 {
		cfg.Window.CleanupIntervalMins = d.Window.CleanupIntervalMins
	}
	if cfg.Prompt.MaxLength == 0 {
		cfg.Prompt.MaxLength = d.Prompt.MaxLength
	}
	if cfg.Extract.MaxConcurrentRequests == 0 {
		cfg.Extract.MaxConcurrentRequests = d.Extract.MaxConcurrentRequests
	}
	if cfg.Timeouts.EmbedMS == 0 {
		cfg.Timeouts.EmbedMS = d.Timeouts.EmbedMS
	}
	if cfg.Timeouts.GenerateMS == 0 {
		cfg.Timeouts.GenerateMS = d.Timeouts.GenerateMS
	}
	if cfg.Timeouts.ExtractMS == 0 {
		cfg.Timeouts.ExtractMS = d.Timeouts.ExtractMS
	}
	if cfg.Timeouts.HealthCheckMS == 0 {
		cfg.Timeouts.HealthCheckMS = d.Timeouts.HealthCheckMS
	}
	if cfg.Backend.MessageStore == "" {
		cfg.Backend.MessageStore = d.Backend.MessageStore
	}
	if cfg.Backend.VectorIndex == "" {
		cfg.Backend.VectorIndex = d.Backend.VectorIndex
	}
	if cfg.Backend.WindowCache == "" {
		cfg.Backend.WindowCache = d.Backend.WindowCache
	}
}
