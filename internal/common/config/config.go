// Package config provides configuration management for the MAICE orchestrator.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// RequestTimeout bounds a single chat turn, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`
}

// RedisConfig holds the message bus endpoint configuration.
type RedisConfig struct {
	URL string `mapstructure:"url"`

	// StreamBlockMs is the XREADGROUP block timeout in milliseconds.
	StreamBlockMs int `mapstructure:"streamBlockMs"`

	// StreamTrimMaxLen caps session egress streams (approximate trim).
	StreamTrimMaxLen int64 `mapstructure:"streamTrimMaxLen"`
}

// DatabaseConfig holds the session store configuration. An empty URL selects
// the bundled SQLite store; a postgres:// URL selects PostgreSQL.
type DatabaseConfig struct {
	URL        string `mapstructure:"url"`
	SQLitePath string `mapstructure:"sqlitePath"`
	MaxConns   int    `mapstructure:"maxConns"`
}

// LLMConfig holds model provider configuration.
type LLMConfig struct {
	Provider    string `mapstructure:"provider"` // openai, anthropic, google, custom
	Model       string `mapstructure:"model"`
	APIKey      string `mapstructure:"apiKey"`
	BaseURL     string `mapstructure:"baseUrl"` // required for the custom provider
	MaxRetries  int    `mapstructure:"maxRetries"`
	PromptsPath string `mapstructure:"promptsPath"`
}

// AgentsConfig holds per-agent tunables.
type AgentsConfig struct {
	MaxClarifyTurns   int `mapstructure:"maxClarifyTurns"`
	AnswerMaxTokens   int `mapstructure:"answerMaxTokens"`
	FreepassMaxTokens int `mapstructure:"freepassMaxTokens"`
	ClassifyMaxTokens int `mapstructure:"classifyMaxTokens"`

	// PendingMinIdle is how long a delivered-but-unacked bus entry must sit
	// before another consumer in the group may reclaim it, in seconds.
	PendingMinIdle int `mapstructure:"pendingMinIdle"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the per-turn wall clock as a time.Duration.
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// BlockDuration returns the bus read block timeout as a time.Duration.
func (r *RedisConfig) BlockDuration() time.Duration {
	return time.Duration(r.StreamBlockMs) * time.Millisecond
}

// PendingMinIdleDuration returns the pending reclaim grace as a time.Duration.
func (a *AgentsConfig) PendingMinIdleDuration() time.Duration {
	return time.Duration(a.PendingMinIdle) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MAICE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE responses stay open
	v.SetDefault("server.requestTimeout", 120)

	// Bus defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.streamBlockMs", 1000)
	v.SetDefault("redis.streamTrimMaxLen", 10000)

	// Database defaults - empty URL means bundled SQLite
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlitePath", "~/.maice/maice.db")
	v.SetDefault("database.maxConns", 25)

	// LLM defaults
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.maxRetries", 3)
	v.SetDefault("llm.promptsPath", "configs/prompts.yaml")

	// Agent defaults
	v.SetDefault("agents.maxClarifyTurns", 3)
	v.SetDefault("agents.answerMaxTokens", 2000)
	v.SetDefault("agents.freepassMaxTokens", 4000)
	v.SetDefault("agents.classifyMaxTokens", 500)
	v.SetDefault("agents.pendingMinIdle", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix MAICE_ with snake_case
// naming; the conventional deployment variables (REDIS_URL, DATABASE_URL,
// MAX_CLARIFY_TURNS, ...) are bound as aliases.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MAICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional deployment variables that do not follow the MAICE_ prefix.
	_ = v.BindEnv("redis.url", "REDIS_URL", "MAICE_REDIS_URL")
	_ = v.BindEnv("database.url", "DATABASE_URL", "MAICE_DATABASE_URL")
	_ = v.BindEnv("llm.provider", "LLM_PROVIDER", "MAICE_LLM_PROVIDER")
	_ = v.BindEnv("llm.model", "LLM_MODEL", "MAICE_LLM_MODEL")
	_ = v.BindEnv("llm.apiKey", "LLM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.baseUrl", "LLM_BASE_URL", "MAICE_LLM_BASE_URL")
	_ = v.BindEnv("agents.maxClarifyTurns", "MAX_CLARIFY_TURNS", "MAICE_AGENTS_MAX_CLARIFY_TURNS")
	_ = v.BindEnv("agents.answerMaxTokens", "ANSWER_MAX_TOKENS", "MAICE_AGENTS_ANSWER_MAX_TOKENS")
	_ = v.BindEnv("agents.freepassMaxTokens", "FREEPASS_MAX_TOKENS", "MAICE_AGENTS_FREEPASS_MAX_TOKENS")
	_ = v.BindEnv("server.requestTimeout", "REQUEST_TIMEOUT_SECONDS", "MAICE_SERVER_REQUEST_TIMEOUT")
	_ = v.BindEnv("redis.streamBlockMs", "STREAM_BLOCK_MS", "MAICE_REDIS_STREAM_BLOCK_MS")
	_ = v.BindEnv("redis.streamTrimMaxLen", "STREAM_TRIM_MAXLEN", "MAICE_REDIS_STREAM_TRIM_MAXLEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/maice/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RequestTimeout <= 0 {
		errs = append(errs, "server.requestTimeout must be positive")
	}

	if cfg.Redis.URL == "" {
		errs = append(errs, "redis.url is required")
	}
	if cfg.Redis.StreamBlockMs <= 0 {
		errs = append(errs, "redis.streamBlockMs must be positive")
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case "openai", "anthropic", "google", "custom":
	default:
		errs = append(errs, "llm.provider must be one of: openai, anthropic, google, custom")
	}
	if strings.ToLower(cfg.LLM.Provider) == "custom" && cfg.LLM.BaseURL == "" {
		errs = append(errs, "llm.baseUrl is required for the custom provider")
	}

	if cfg.Agents.MaxClarifyTurns <= 0 {
		errs = append(errs, "agents.maxClarifyTurns must be positive")
	}
	if cfg.Agents.AnswerMaxTokens <= 0 || cfg.Agents.FreepassMaxTokens <= 0 {
		errs = append(errs, "agents token budgets must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
