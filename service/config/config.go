package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// All fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	LogLevel string

	// Chain data providers
	EtherscanAPIKey    string
	EtherscanBaseURL   string
	SolanaRPCURL       string
	ChainMinInterval   time.Duration
	ChainMaxConcurrent int

	// Price provider
	CoinGeckoBaseURL   string
	PriceMinInterval   time.Duration
	PriceMaxConcurrent int

	// Dates are rendered in this location
	Timezone *time.Location

	// Optional integrations
	DatabaseURL string
	NATSURL     string
	MetricsAddr string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all fields.
// Returns an error listing every problem found.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.EtherscanAPIKey = os.Getenv("ETHERSCAN_API_KEY")
	cfg.EtherscanBaseURL = getEnvOrDefault("ETHERSCAN_BASE_URL", "https://api.etherscan.io/api")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	cfg.CoinGeckoBaseURL = getEnvOrDefault("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3")

	var err error
	if cfg.ChainMinInterval, err = parseDuration("CHAIN_MIN_INTERVAL", "200ms"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ChainMaxConcurrent, err = parseInt("CHAIN_MAX_CONCURRENT", 1); err != nil {
		errs = append(errs, err)
	}
	if cfg.PriceMinInterval, err = parseDuration("PRICE_MIN_INTERVAL", "600ms"); err != nil {
		errs = append(errs, err)
	}
	if cfg.PriceMaxConcurrent, err = parseInt("PRICE_MAX_CONCURRENT", 1); err != nil {
		errs = append(errs, err)
	}

	tz := getEnvOrDefault("TIMEZONE", "UTC")
	if cfg.Timezone, err = time.LoadLocation(tz); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: invalid location %q: %w", tz, err))
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "beanroast-conversion")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv copies KEY=value pairs from path into the environment.
// Variables already set win over the file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.ChainMinInterval < 0 {
		errs = append(errs, fmt.Errorf("ChainMinInterval cannot be negative"))
	}
	if c.PriceMinInterval < 0 {
		errs = append(errs, fmt.Errorf("PriceMinInterval cannot be negative"))
	}
	if c.ChainMaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("ChainMaxConcurrent must be at least 1"))
	}
	if c.PriceMaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("PriceMaxConcurrent must be at least 1"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// CheckIntegrations verifies that every integration the ledger config enables
// has its credentials.
func (c *Config) CheckIntegrations(lc *LedgerConfig) error {
	var errs []error

	for _, conn := range lc.Connections {
		switch conn.Type {
		case ChainEthereum:
			if c.EtherscanAPIKey == "" {
				errs = append(errs, fmt.Errorf("ETHERSCAN_API_KEY is required for ethereum connection %s", conn.Address))
			}
		case ChainSolana:
			if c.SolanaRPCURL == "" {
				errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required for solana connection %s", conn.Address))
			}
		}
	}
	if lc.CacheRawEvents && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required when cacheRawEvents is enabled"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
