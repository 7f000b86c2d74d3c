// Package config loads engine configuration from environment variables,
// an optional config file, and CLI flags via viper, the way the pack's
// layered-config teacher repos do for their own services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every recognized option from spec §6.
type Config struct {
	APIKeys []string `mapstructure:"api_keys"`

	MinCacheSizeTokens    int `mapstructure:"min_cache_size_tokens"`
	CacheTTLSeconds       int `mapstructure:"cache_ttl_seconds"`
	PromptTemplateTTLSeconds int `mapstructure:"prompt_template_ttl_seconds"`

	SentimentMinConfidence   float64 `mapstructure:"sentiment_min_confidence"`
	SentimentEmotionThreshold float64 `mapstructure:"sentiment_emotion_threshold"`

	PipelineTimeoutSeconds int `mapstructure:"pipeline_timeout_seconds"`

	EmbeddingBatchSize         int `mapstructure:"embedding_batch_size"`
	EmbeddingInterbatchDelayMS int `mapstructure:"embedding_interbatch_delay_ms"`

	ImportantUnitTypes []string `mapstructure:"important_unit_types"`

	PipelineMode string `mapstructure:"pipeline_mode"` // combined | independent

	DataRoot     string `mapstructure:"data_root"`
	LogsRoot     string `mapstructure:"logs_root"`
	RegistryPath string `mapstructure:"registry_path"`
	StatePath    string `mapstructure:"state_path"`

	EmbeddingDimensions int `mapstructure:"embedding_dimensions"`

	NATSUrl string `mapstructure:"nats_url"`

	MetricsPort int `mapstructure:"metrics_port"`
}

// PipelineTimeout returns PipelineTimeoutSeconds as a time.Duration.
func (c Config) PipelineTimeout() time.Duration {
	return time.Duration(c.PipelineTimeoutSeconds) * time.Second
}

// CacheTTL returns CacheTTLSeconds as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// PromptTemplateTTL returns PromptTemplateTTLSeconds as a time.Duration.
func (c Config) PromptTemplateTTL() time.Duration {
	return time.Duration(c.PromptTemplateTTLSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("min_cache_size_tokens", 1250)
	v.SetDefault("cache_ttl_seconds", 3600)
	v.SetDefault("prompt_template_ttl_seconds", 86400)
	v.SetDefault("sentiment_min_confidence", 0.5)
	v.SetDefault("sentiment_emotion_threshold", 0.3)
	v.SetDefault("pipeline_timeout_seconds", 5400)
	v.SetDefault("embedding_batch_size", 100)
	v.SetDefault("embedding_interbatch_delay_ms", 100)
	v.SetDefault("important_unit_types", []string{"introduction", "conclusion", "key_moment"})
	v.SetDefault("pipeline_mode", "independent")
	v.SetDefault("data_root", "./data")
	v.SetDefault("logs_root", "./logs")
	v.SetDefault("registry_path", "./registry.yaml")
	v.SetDefault("state_path", "./state/quota.json")
	v.SetDefault("embedding_dimensions", 768)
	v.SetDefault("nats_url", "")
	v.SetDefault("metrics_port", 9091)
}

// Load builds a Config from (in increasing precedence) defaults, an
// optional config file, environment variables prefixed PODCASTKG_, and
// CLI flags already registered on fs.
func Load(configFile string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("podcastkg")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if len(cfg.APIKeys) == 0 {
		if raw := v.GetString("api_keys"); raw != "" {
			cfg.APIKeys = strings.Split(raw, ",")
		}
	}
	return cfg, nil
}
