// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server       ServerConfig  `yaml:"server"`
	Dependencies Dependencies  `yaml:"dependencies"`
	Settings     Settings      `yaml:"settings"`
	Routers      []RouterEntry `yaml:"routers"`
}

// Dependencies holds connection settings for external collaborators.
type Dependencies struct {
	RedisURL  string          `yaml:"redis_url"`  // metric store + limiter + queue broker
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Settings holds gateway behavior knobs.
type Settings struct {
	MasterKey          string        `yaml:"master_key"`
	RateLimitStrategy  string        `yaml:"rate_limiting_strategy"` // "fixed", "sliding", "moving"
	DispatchMode       string        `yaml:"dispatch_mode"`          // "direct" or "queued"
	MaxPriority        int           `yaml:"max_priority"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryCountdown     time.Duration `yaml:"retry_countdown"`
	DispatchWorkers    int           `yaml:"dispatch_workers"`
	MaxTokenExpiryDays int           `yaml:"max_token_expiry_days"`
	MaxFileSize        int64         `yaml:"max_file_size"` // bytes, per uploaded file
	MetricsEnabled     bool          `yaml:"metrics_enabled"`
	LogJSON            bool          `yaml:"log_json"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RouterEntry seeds a router (and its providers) on first run.
type RouterEntry struct {
	Name           string          `yaml:"name"`
	Aliases        []string        `yaml:"aliases"`
	Type           string          `yaml:"type"`
	Strategy       string          `yaml:"routing_strategy"`
	CostPrompt     float64         `yaml:"cost_prompt_tokens"`
	CostCompletion float64         `yaml:"cost_completion_tokens"`
	Providers      []ProviderEntry `yaml:"providers"`
}

// ProviderEntry seeds a provider under a router.
type ProviderEntry struct {
	Type         string            `yaml:"type"` // "openai", "vllm", "albert", "mistral", "tei"
	BaseURL      string            `yaml:"base_url"`
	Key          string            `yaml:"key"`
	Timeout      int               `yaml:"timeout"` // seconds
	ModelName    string            `yaml:"model_name"`
	Country      string            `yaml:"hosting_country"`
	TotalParams  *float64          `yaml:"total_params"`
	ActiveParams *float64          `yaml:"active_params"`
	QoSMetric    string            `yaml:"qos_metric"`
	QoSLimit     *float64          `yaml:"qos_limit"`
	Endpoints    map[string]string `yaml:"endpoints"` // logical endpoint -> upstream path
}

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(:-[^}]*)?\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// ${VAR:-default} falls back to the default when VAR is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if len(groups[2]) > 0 {
			return []byte(strings.TrimPrefix(string(groups[2]), ":-"))
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Dependencies: Dependencies{
			RedisURL: "redis://localhost:6379/0",
			Database: DatabaseConfig{DSN: "bastion.db"},
		},
		Settings: Settings{
			RateLimitStrategy:  "fixed",
			DispatchMode:       "direct",
			MaxPriority:        10,
			MaxRetries:         3,
			RetryCountdown:     time.Second,
			DispatchWorkers:    4,
			MaxTokenExpiryDays: 365,
			MaxFileSize:        20 << 20,
			MetricsEnabled:     true,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Settings.RateLimitStrategy {
	case "fixed", "sliding", "moving":
	default:
		return fmt.Errorf("unknown rate_limiting_strategy %q", c.Settings.RateLimitStrategy)
	}
	switch c.Settings.DispatchMode {
	case "direct", "queued":
	default:
		return fmt.Errorf("unknown dispatch_mode %q", c.Settings.DispatchMode)
	}
	if c.Settings.MasterKey == "" {
		return fmt.Errorf("settings.master_key is required")
	}
	return nil
}
