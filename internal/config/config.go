// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig describes one EVM chain the oracle watches.
type ChainConfig struct {
	Name               string
	ChainID            int64
	RPCURL             string
	IdentityRegistry   string // Current standardized registry contract
	LegacyRegistry     string // Legacy registry contract (optional, "" = none)
	ReputationRegistry string // Feedback event contract
	ValidationRegistry string // Validation request/response contract
	DeployBlock        uint64 // Block the registries were deployed at
	ChunkSize          uint64 // Log scan chunk size for this chain
	Priority           int    // Lower = tried first by the multi-chain writer
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chains, in writer priority order
	Chains []ChainConfig

	// Signing wallet for on-chain feedback submissions
	PrivateKey    string // Hex-encoded, with or without 0x prefix
	WalletAddress string

	// Scanner settings
	ConfirmationDepth uint64
	ScanInterval      time.Duration
	RescoreInterval   time.Duration

	// Screener settings
	ScreenInterval   time.Duration
	AnomalyInterval  time.Duration
	LivenessInterval time.Duration
	ReportInterval   time.Duration

	// Trust evaluation cache
	EvaluationTTL time.Duration

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultChunkSize         = 2000
	DefaultConfirmationDepth = 3
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PrivateKey:        os.Getenv("PRIVATE_KEY"),  // Optional, disables on-chain writes if not set
		WalletAddress:     os.Getenv("WALLET_ADDRESS"),
		ConfirmationDepth: uint64(getEnvInt64("CONFIRMATION_DEPTH", DefaultConfirmationDepth)),
		ScanInterval:      getEnvDuration("SCAN_INTERVAL", 15*time.Second),
		RescoreInterval:   getEnvDuration("RESCORE_INTERVAL", 10*time.Minute),
		ScreenInterval:    getEnvDuration("SCREEN_INTERVAL", 5*time.Minute),
		AnomalyInterval:   getEnvDuration("ANOMALY_INTERVAL", 15*time.Minute),
		LivenessInterval:  getEnvDuration("LIVENESS_INTERVAL", 30*time.Minute),
		ReportInterval:    getEnvDuration("REPORT_INTERVAL", 6*time.Hour),
		EvaluationTTL:     getEnvDuration("EVALUATION_TTL", 5*time.Minute),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	chains, err := loadChains()
	if err != nil {
		return nil, err
	}
	cfg.Chains = chains

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadChains reads CHAIN_COUNT chains from numbered env prefixes
// (CHAIN_1_RPC_URL, CHAIN_1_IDENTITY_REGISTRY, ...).
func loadChains() ([]ChainConfig, error) {
	count := int(getEnvInt64("CHAIN_COUNT", 1))
	if count < 1 {
		return nil, fmt.Errorf("CHAIN_COUNT must be >= 1")
	}

	chains := make([]ChainConfig, 0, count)
	for i := 1; i <= count; i++ {
		prefix := fmt.Sprintf("CHAIN_%d_", i)
		c := ChainConfig{
			Name:               getEnv(prefix+"NAME", fmt.Sprintf("chain-%d", i)),
			ChainID:            getEnvInt64(prefix+"ID", DefaultChainID),
			RPCURL:             getEnv(prefix+"RPC_URL", DefaultRPCURL),
			IdentityRegistry:   os.Getenv(prefix + "IDENTITY_REGISTRY"),
			LegacyRegistry:     os.Getenv(prefix + "LEGACY_REGISTRY"),
			ReputationRegistry: os.Getenv(prefix + "REPUTATION_REGISTRY"),
			ValidationRegistry: os.Getenv(prefix + "VALIDATION_REGISTRY"),
			DeployBlock:        uint64(getEnvInt64(prefix+"DEPLOY_BLOCK", 0)),
			ChunkSize:          uint64(getEnvInt64(prefix+"CHUNK_SIZE", DefaultChunkSize)),
			Priority:           i,
		}
		if c.IdentityRegistry == "" {
			return nil, fmt.Errorf("%sIDENTITY_REGISTRY is required", prefix)
		}
		chains = append(chains, c)
	}
	return chains, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	for _, chain := range c.Chains {
		if chain.RPCURL == "" {
			return fmt.Errorf("chain %s: RPC URL is required", chain.Name)
		}
		if chain.ChunkSize == 0 {
			return fmt.Errorf("chain %s: chunk size must be > 0", chain.Name)
		}
	}

	// Allow both with and without 0x prefix
	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.ConfirmationDepth == 0 {
		return fmt.Errorf("CONFIRMATION_DEPTH must be > 0")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
