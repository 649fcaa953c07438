// Package config loads application configuration with multi-source
// priority.
//
// Sources (highest to lowest priority):
//  1. Environment variables (LECTERN_* and DATABASE_URL)
//  2. Config file (~/.lectern/config.yaml or ./config.yaml)
//  3. Default values
//
// Validation runs immediately after loading so the process fails fast on a
// bad configuration. Sentinel errors support errors.Is checks.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidModelName indicates the model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidMaxIterations indicates the agent iteration cap is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max iterations")

	// ErrInvalidSnippetLength indicates the tool snippet length is out of range.
	ErrInvalidSnippetLength = errors.New("invalid snippet length")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is unknown.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidLogLevel indicates the log level is unknown.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidModelRateLimit indicates the model rate limit is not positive.
	ErrInvalidModelRateLimit = errors.New("invalid model rate limit")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// DefaultEmbedderModel is the default embedding model. It supports
// truncation to the 768 dimensions the blocks schema stores.
const DefaultEmbedderModel = "gemini-embedding-001"

// Bounds for the agent loop iteration cap.
const (
	MinIterations = 1
	MaxIterations = 20
)

// Config stores application configuration.
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider"`
	ModelName     string `mapstructure:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model"`

	// Agent loop configuration
	AgentMaxIterations int     `mapstructure:"agent_max_iterations"`
	ModelRateLimit     float64 `mapstructure:"model_rate_limit"`

	// Prompt rendering configuration
	SnippetLength int `mapstructure:"snippet_length"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".lectern")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("LECTERN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("agent_max_iterations", 5)
	v.SetDefault("model_rate_limit", 10)
	v.SetDefault("snippet_length", 600)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "lectern")
	v.SetDefault("postgres_password", "lectern_dev_password")
	v.SetDefault("postgres_db_name", "lectern")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Validate checks the configuration and fails fast with a sentinel error
// describing the first problem found.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, c.Provider)
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModelName)
	}
	if c.AgentMaxIterations < MinIterations || c.AgentMaxIterations > MaxIterations {
		return fmt.Errorf("%w: %d not in [%d, %d]",
			ErrInvalidMaxIterations, c.AgentMaxIterations, MinIterations, MaxIterations)
	}
	if c.ModelRateLimit <= 0 {
		return fmt.Errorf("%w: %g", ErrInvalidModelRateLimit, c.ModelRateLimit)
	}
	if c.SnippetLength < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSnippetLength, c.SnippetLength)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPostgresDBName)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	return nil
}

// SlogLevel translates LogLevel ("debug", "info", "warn", "error") into a
// slog.Level. Validate has already rejected unknown values; anything that
// still fails to parse falls back to slog.LevelInfo.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
