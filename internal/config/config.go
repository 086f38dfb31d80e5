// Package config loads application configuration for the taskmesh engine.
// Configuration lives in ~/.taskmesh/config.yaml and every key can be
// overridden with a TASKMESH_-prefixed environment variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestration engine.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Data      DataConfig      `mapstructure:"data" yaml:"data"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Feedback  FeedbackConfig  `mapstructure:"feedback" yaml:"feedback"`
}

// LoggingConfig controls logger behavior.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// JSON switches from console output to JSON lines.
	JSON bool `mapstructure:"json" yaml:"json"`
}

// DataConfig locates persistent state.
type DataConfig struct {
	// Dir is the directory holding the SQLite database. Must be local.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ServerConfig configures the inbound HTTP surface.
type ServerConfig struct {
	// Listen is the host:port the API server binds to.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// ProvidersConfig configures the model provider adapters.
type ProvidersConfig struct {
	Ollama OllamaConfig `mapstructure:"ollama" yaml:"ollama"`
	OpenAI OpenAIConfig `mapstructure:"openai" yaml:"openai"`

	// HealthInterval is how often model availability is re-polled.
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

// OllamaConfig configures the local Ollama runtime adapter.
type OllamaConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// OpenAIConfig configures the remote OpenAI-compatible adapter.
type OpenAIConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
}

// RouterConfig tunes model routing behavior.
type RouterConfig struct {
	// RequestTimeout is the per-routing-request deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// RetryBackoff is the delay before the single transient-error retry.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	// CacheSize is the maximum number of result cache entries.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
	// CacheTTLShort applies to non-deterministic (high temperature) results.
	CacheTTLShort time.Duration `mapstructure:"cache_ttl_short" yaml:"cache_ttl_short"`
	// CacheTTLLong applies to deterministic (low temperature) results.
	CacheTTLLong time.Duration `mapstructure:"cache_ttl_long" yaml:"cache_ttl_long"`
}

// PipelineConfig configures the reasoning/generation hybrid.
type PipelineConfig struct {
	// ReasoningModel produces the intermediate reasoning artifact.
	ReasoningModel string `mapstructure:"reasoning_model" yaml:"reasoning_model"`
	// GenerationModel produces the final artifact conditioned on reasoning.
	GenerationModel string `mapstructure:"generation_model" yaml:"generation_model"`
}

// FeedbackConfig tunes the learning feedback loop.
type FeedbackConfig struct {
	// BufferSize is the capacity of the non-blocking ingestion queue.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Data:    DataConfig{Dir: "~/.taskmesh"},
		Server:  ServerConfig{Listen: "127.0.0.1:8420"},
		Providers: ProvidersConfig{
			Ollama:         OllamaConfig{Enabled: true, Endpoint: "http://127.0.0.1:11434"},
			OpenAI:         OpenAIConfig{Endpoint: "https://api.openai.com/v1"},
			HealthInterval: 30 * time.Second,
		},
		Router: RouterConfig{
			RequestTimeout: 2 * time.Minute,
			RetryBackoff:   500 * time.Millisecond,
			CacheSize:      512,
			CacheTTLShort:  5 * time.Minute,
			CacheTTLLong:   time.Hour,
		},
		Pipeline: PipelineConfig{
			ReasoningModel:  "deepseek-r1",
			GenerationModel: "llama3",
		},
		Feedback: FeedbackConfig{BufferSize: 1024},
	}
}

// Load reads the config from the default location, creating it with
// defaults on first run.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".taskmesh", "config.yaml"))
}

// LoadFromPath reads the config from an explicit path, creating it with
// defaults if it does not exist.
func LoadFromPath(path string) (*Config, error) {
	path = ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Environment overrides, e.g. TASKMESH_PROVIDERS_OPENAI_API_KEY.
	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Data.Dir = ExpandPath(cfg.Data.Dir)
	cfg.applyDefaults()

	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(ExpandPath(path), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyDefaults fills zero values that viper leaves behind when a key is
// absent from an older config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Providers.HealthInterval <= 0 {
		c.Providers.HealthInterval = d.Providers.HealthInterval
	}
	if c.Router.RequestTimeout <= 0 {
		c.Router.RequestTimeout = d.Router.RequestTimeout
	}
	if c.Router.RetryBackoff <= 0 {
		c.Router.RetryBackoff = d.Router.RetryBackoff
	}
	if c.Router.CacheSize <= 0 {
		c.Router.CacheSize = d.Router.CacheSize
	}
	if c.Router.CacheTTLShort <= 0 {
		c.Router.CacheTTLShort = d.Router.CacheTTLShort
	}
	if c.Router.CacheTTLLong <= 0 {
		c.Router.CacheTTLLong = d.Router.CacheTTLLong
	}
	if c.Pipeline.ReasoningModel == "" {
		c.Pipeline.ReasoningModel = d.Pipeline.ReasoningModel
	}
	if c.Pipeline.GenerationModel == "" {
		c.Pipeline.GenerationModel = d.Pipeline.GenerationModel
	}
	if c.Feedback.BufferSize <= 0 {
		c.Feedback.BufferSize = d.Feedback.BufferSize
	}
}

// ExpandPath expands a leading tilde to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
