package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Pending store backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATSKV = "natskv"
)

// Config holds the watcher daemon configuration.
type Config struct {
	// Definitions catalog
	DefinitionsPath string `yaml:"definitions_path"`

	// Side-effect target API
	BaseAPIURL string `yaml:"base_api_url"`
	APIToken   string `yaml:"api_token"`

	// Chain query
	EthURL       string `yaml:"eth_url"`
	WssURL       string `yaml:"wss_url,omitempty"`
	ConfirmDepth uint64 `yaml:"confirm_depth,omitempty"`

	// Pending store backend: memory, redis or natskv
	Backend  string `yaml:"backend,omitempty"`
	RedisURL string `yaml:"redis_url,omitempty"`
	NatsURL  string `yaml:"nats_url,omitempty"`

	// Watcher tuning
	PollInterval     time.Duration `yaml:"poll_interval,omitempty"`
	PollTimeout      time.Duration `yaml:"poll_timeout,omitempty"`
	BatchSize        int           `yaml:"batch_size,omitempty"`
	Concurrency      int           `yaml:"concurrency,omitempty"`
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	NotFoundDeadline time.Duration `yaml:"not_found_deadline,omitempty"`
	StaleAfter       time.Duration `yaml:"stale_after,omitempty"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	defsPath := os.Getenv("TXFLOW_DEFINITIONS")
	if defsPath == "" {
		return nil, fmt.Errorf("TXFLOW_DEFINITIONS is required (path to the definitions catalog)")
	}
	baseURL := os.Getenv("TXFLOW_API_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("TXFLOW_API_URL is required (side-effect target base URL)")
	}
	ethURL := os.Getenv("TXFLOW_ETH_URL")
	if ethURL == "" {
		return nil, fmt.Errorf("TXFLOW_ETH_URL is required (chain JSON-RPC endpoint)")
	}

	cfg := &Config{
		DefinitionsPath:  defsPath,
		BaseAPIURL:       baseURL,
		APIToken:         os.Getenv("TXFLOW_API_TOKEN"),
		EthURL:           ethURL,
		WssURL:           os.Getenv("TXFLOW_WSS_URL"),
		ConfirmDepth:     uint64(getEnvAsInt("TXFLOW_CONFIRM_DEPTH", 0)),
		Backend:          getEnvWithDefault("TXFLOW_BACKEND", BackendRedis),
		RedisURL:         getEnvWithDefault("REDIS_URL", "localhost:6379"),
		NatsURL:          getEnvWithDefault("NATS_URL", "nats://localhost:4222"),
		PollInterval:     getEnvAsDuration("TXFLOW_POLL_INTERVAL", 30*time.Second),
		PollTimeout:      getEnvAsDuration("TXFLOW_POLL_TIMEOUT", 10*time.Second),
		BatchSize:        getEnvAsInt("TXFLOW_BATCH_SIZE", 25),
		Concurrency:      getEnvAsInt("TXFLOW_CONCURRENCY", 4),
		MaxRetries:       getEnvAsInt("TXFLOW_MAX_RETRIES", 10),
		NotFoundDeadline: getEnvAsDuration("TXFLOW_NOT_FOUND_DEADLINE", 0),
		StaleAfter:       getEnvAsDuration("TXFLOW_STALE_AFTER", 24*time.Hour),
	}
	return cfg, cfg.validate()
}

// Load reads a YAML config file, falling back to the environment loader
// when the file is absent. Env vars fill gaps the file leaves.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadFromEnv()
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.APIToken == "" {
		c.APIToken = os.Getenv("TXFLOW_API_TOKEN")
	}
	if c.Backend == "" {
		c.Backend = BackendRedis
	}
	if c.RedisURL == "" {
		c.RedisURL = getEnvWithDefault("REDIS_URL", "localhost:6379")
	}
	if c.NatsURL == "" {
		c.NatsURL = getEnvWithDefault("NATS_URL", "nats://localhost:4222")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 24 * time.Hour
	}
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendNATSKV:
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, BackendMemory, BackendRedis, BackendNATSKV)
	}
	if c.DefinitionsPath == "" {
		return fmt.Errorf("definitions_path is required")
	}
	if c.BaseAPIURL == "" {
		return fmt.Errorf("base_api_url is required")
	}
	if c.EthURL == "" {
		return fmt.Errorf("eth_url is required")
	}
	return nil
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
