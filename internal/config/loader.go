package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path, expands ${ENV_VAR} references, and
// overlays it on the defaults. An empty path returns the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto the
// config. Environment wins over file values so deployments can keep
// credentials out of the config file entirely.
func applyEnvOverrides(cfg *Config) {
	setIfPresent := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setIfPresent("MARLOWE_REDIS_URL", &cfg.Stream.RedisURL)
	setIfPresent("MARLOWE_STREAM_IN", &cfg.Stream.Inbound)
	setIfPresent("MARLOWE_STREAM_OUT", &cfg.Stream.Outbound)
	setIfPresent("MARLOWE_STREAM_GROUP", &cfg.Stream.Group)
	setIfPresent("MARLOWE_CONSUMER_ID", &cfg.Stream.Consumer)
	setIfPresent("MARLOWE_STATE_API_URL", &cfg.StateAPI.BaseURL)
	setIfPresent("ANTHROPIC_API_KEY", &cfg.LLM.AnthropicAPIKey)
	setIfPresent("OPENAI_API_KEY", &cfg.LLM.OpenAIAPIKey)
	setIfPresent("OPENAI_API_KEY", &cfg.Embedding.OpenAIAPIKey)
	setIfPresent("MARLOWE_LOG_LEVEL", &cfg.Logging.Level)
	setIfPresent("MARLOWE_LOG_FORMAT", &cfg.Logging.Format)
}
