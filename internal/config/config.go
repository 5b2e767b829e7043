// Package config loads service configuration from a YAML file and
// environment variables.
//
// Hierarchy (highest to lowest priority):
//  1. Environment variables (VERIDEX_*)
//  2. Config file (~/.veridex/config.yaml, or --config)
//  3. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	OpenAI  OpenAIConfig  `mapstructure:"openai" yaml:"openai"`
	Search  SearchConfig  `mapstructure:"search" yaml:"search"`
	Fetch   FetchConfig   `mapstructure:"fetch" yaml:"fetch"`
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker"`
}

type ServerConfig struct {
	Port  int    `mapstructure:"port" yaml:"port"`
	Token string `mapstructure:"token" yaml:"token"`
}

type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
}

type SearchConfig struct {
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	EngineID   string        `mapstructure:"engine_id" yaml:"engine_id"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	NumResults int           `mapstructure:"num_results" yaml:"num_results"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RatePerSec float64       `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
}

type FetchConfig struct {
	UserAgent  string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RatePerSec float64       `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	MaxText    int           `mapstructure:"max_text" yaml:"max_text"`
}

type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			RetentionDays: 30,
		},
		OpenAI: OpenAIConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 1500,
			Timeout:   60 * time.Second,
		},
		Search: SearchConfig{
			NumResults: 10,
			CacheTTL:   15 * time.Minute,
			RatePerSec: 2,
		},
		Fetch: FetchConfig{
			Timeout:    20 * time.Second,
			CacheTTL:   30 * time.Minute,
			RatePerSec: 1,
			MaxText:    20000,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  3,
			BackoffBase:  time.Second,
		},
	}
}

// Load reads configuration from the given file (or the default location
// when path is empty) with VERIDEX_* environment overrides. The OpenAI API
// key is required; search credentials are validated at capability
// construction.
func Load(path string) (Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir())
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("VERIDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// A missing default config file is fine, a broken or explicitly named
	// missing one is not.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	// OPENAI_API_KEY is honored as a fallback, matching the ecosystem
	// convention.
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key (set VERIDEX_OPENAI_API_KEY or openai.api_key)")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Defaults()
	v.SetDefault("server.port", def.Server.Port)
	// Keys without a non-zero default still need registering so that
	// AutomaticEnv can satisfy them during Unmarshal.
	v.SetDefault("server.token", "")
	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	v.SetDefault("storage.retention_days", def.Storage.RetentionDays)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", def.OpenAI.Model)
	v.SetDefault("openai.max_tokens", def.OpenAI.MaxTokens)
	v.SetDefault("openai.timeout", def.OpenAI.Timeout)
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.engine_id", "")
	v.SetDefault("search.base_url", "")
	v.SetDefault("search.num_results", def.Search.NumResults)
	v.SetDefault("search.cache_ttl", def.Search.CacheTTL)
	v.SetDefault("search.rate_per_sec", def.Search.RatePerSec)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.timeout", def.Fetch.Timeout)
	v.SetDefault("fetch.cache_ttl", def.Fetch.CacheTTL)
	v.SetDefault("fetch.rate_per_sec", def.Fetch.RatePerSec)
	v.SetDefault("fetch.max_text", def.Fetch.MaxText)
	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.max_attempts", def.Worker.MaxAttempts)
	v.SetDefault("worker.backoff_base", def.Worker.BackoffBase)
}

// DefaultConfigDir is where the config file lives unless overridden.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "veridex")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".veridex")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "veridex")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".veridex", "data")
}
