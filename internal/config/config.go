// Package config loads and validates the Marlowe core configuration.
//
// Configuration comes from a YAML file with ${ENV_VAR} expansion, so
// deployments keep secrets in the environment and structure in the file.
// Every field has a sensible default; an empty file is a valid config
// for local development against localhost services.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for all core services.
type Config struct {
	Stream    StreamConfig    `yaml:"stream"`
	StateAPI  StateAPIConfig  `yaml:"state_api"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StreamConfig configures the Redis stream broker and consumer identity.
type StreamConfig struct {
	RedisURL string `yaml:"redis_url"`

	Inbound  string `yaml:"inbound"`
	Outbound string `yaml:"outbound"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`

	// Consumers is the number of concurrent orchestrator consumers.
	Consumers int `yaml:"consumers"`

	ReadBlock   time.Duration `yaml:"read_block"`
	IdleReclaim time.Duration `yaml:"idle_reclaim"`
	RetryTTL    time.Duration `yaml:"retry_ttl"`
}

// StateAPIConfig configures the typed client for the state-store REST API.
type StateAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LLMConfig configures the chat providers.
type LLMConfig struct {
	Provider        string        `yaml:"provider"` // anthropic | openai
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	DefaultModel    string        `yaml:"default_model"`
	SummarizerModel string        `yaml:"summarizer_model"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxTokens       int           `yaml:"max_tokens"`
}

// EmbeddingConfig configures the embedding provider used for memory
// retrieval and deduplication.
type EmbeddingConfig struct {
	OpenAIAPIKey string `yaml:"openai_api_key"`
	Model        string `yaml:"model"`
}

// SchedulerConfig configures the reminder reconciliation loop.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ExtractorConfig configures the memory-extraction batch worker.
type ExtractorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			RedisURL:    "redis://localhost:6379/0",
			Inbound:     "stream_in",
			Outbound:    "stream_out",
			Group:       "orchestrator",
			Consumer:    "consumer-1",
			Consumers:   4,
			ReadBlock:   5 * time.Second,
			IdleReclaim: 60 * time.Second,
			RetryTTL:    time.Hour,
		},
		StateAPI: StateAPIConfig{
			BaseURL:  "http://localhost:8000",
			Timeout:  30 * time.Second,
			CacheTTL: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			CallTimeout: 30 * time.Second,
			MaxTokens:   4096,
		},
		Embedding: EmbeddingConfig{
			Model: "text-embedding-3-small",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: 30 * time.Second,
		},
		Extractor: ExtractorConfig{
			Enabled:  true,
			Interval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Stream.Inbound == "" {
		return fmt.Errorf("stream.inbound is required")
	}
	if c.Stream.Outbound == "" {
		return fmt.Errorf("stream.outbound is required")
	}
	if c.Stream.Inbound == c.Stream.Outbound {
		return fmt.Errorf("stream.inbound and stream.outbound must differ")
	}
	if c.Stream.Group == "" {
		return fmt.Errorf("stream.group is required")
	}
	if c.Stream.Consumers <= 0 {
		return fmt.Errorf("stream.consumers must be positive, got %d", c.Stream.Consumers)
	}
	if c.StateAPI.BaseURL == "" {
		return fmt.Errorf("state_api.base_url is required")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	return nil
}
