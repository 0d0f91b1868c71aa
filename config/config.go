// Package config loads the daemon configuration: a YAML file discovered in
// the usual places, overridable field by field through PIPELIT_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Server    Server            `mapstructure:"server"`
	Database  Database          `mapstructure:"database"`
	Queue     Queue             `mapstructure:"queue"`
	Engine    Engine            `mapstructure:"engine"`
	Providers Providers         `mapstructure:"providers"`
	Log       Log               `mapstructure:"log"`
	TOTP      map[string]string `mapstructure:"totp_secrets"`
}

// Server configures the HTTP surface (SSE events, metrics, health).
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Database selects the persistence backend.
type Database struct {
	// Driver is "sqlite", "mysql", or "memory".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the MySQL connection string.
	DSN string `mapstructure:"dsn"`
}

// Queue selects the job queue backend and worker count.
type Queue struct {
	// Driver is "sqlite" or "memory".
	Driver  string `mapstructure:"driver"`
	Path    string `mapstructure:"path"`
	Workers int    `mapstructure:"workers"`
}

// Engine tunes the orchestrator.
type Engine struct {
	MaxRetries             int `mapstructure:"max_retries"`
	MaxExecutionSeconds    int `mapstructure:"max_execution_seconds"`
	ZombieThresholdSeconds int `mapstructure:"zombie_threshold_seconds"`
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`
}

// Providers carries the LLM provider credentials.
type Providers struct {
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	GoogleAPIKey    string `mapstructure:"google_api_key"`
}

// Log configures the event log emitter.
type Log struct {
	JSON bool `mapstructure:"json"`
}

// Load reads the configuration. path may name a specific file; when empty,
// pipelit.yaml is searched in the working directory, then ~/.pipelit/.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIPELIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pipelit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pipelit")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing discovered file is fine; defaults plus env cover it. An
		// explicitly named file must exist, and a malformed file always fails.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8089")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "pipelit.db")
	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.path", "pipelit-queue.db")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.max_execution_seconds", 600)
	v.SetDefault("engine.zombie_threshold_seconds", 900)
	v.SetDefault("engine.sweep_interval_seconds", 60)
	v.SetDefault("log.json", false)
}
