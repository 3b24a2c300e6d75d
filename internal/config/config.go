package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Settlement SettlementConfig
	Bridge     BridgeConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// URL returns the database connection URL
func (c DatabaseConfig) URL() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + strconv.Itoa(c.Port) + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

// DSN returns the key/value form understood by lib/pq
func (c DatabaseConfig) DSN() string {
	return "host=" + c.Host + " port=" + strconv.Itoa(c.Port) + " user=" + c.User + " password=" + c.Password + " dbname=" + c.DBName + " sslmode=" + c.SSLMode
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	PASSWORD string
	// UseLeaseLocks switches per-debt locking from the in-process mutex to redis leases
	UseLeaseLocks bool
	LeaseTTL      time.Duration
}

// JWTConfig holds identity token configuration
type JWTConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// SettlementConfig tunes the ledger, confirmation and reconciliation flows
type SettlementConfig struct {
	SettlementChainID     uint64
	RegistryPath          string
	ConfirmationDepth     uint64
	ReconcileInterval     time.Duration
	DirectConfirmInterval time.Duration
	MaxAttemptAge         time.Duration
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
	PollConcurrency       int
	SweepLimit            int
	RPCTimeout            time.Duration
	BridgeTimeout         time.Duration

	// Per-chain overrides keyed by chain id, read from RPC_URL_<id>,
	// SETTLEMENT_CONTRACT_<id> and OFFRAMP_<id>.
	RPCURLs             map[uint64]string
	SettlementContracts map[uint64]string
	OffRamps            map[uint64]string
}

// BridgeConfig holds bridge status source configuration
type BridgeConfig struct {
	ExplorerBaseURL string
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	OffRampLookback uint64
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("SERVER_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "anypay"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:           getEnv("REDIS_URL", "redis://localhost:6379"),
			PASSWORD:      getEnv("REDIS_PASSWORD", ""),
			UseLeaseLocks: getEnvAsBool("REDIS_LEASE_LOCKS", false),
			LeaseTTL:      getEnvAsDuration("REDIS_LEASE_TTL", 30*time.Second),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-this-in-production"),
			Expiry: getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),
			Issuer: getEnv("JWT_ISSUER", "anypay"),
		},
		Settlement: SettlementConfig{
			SettlementChainID:     getEnvAsUint64("SETTLEMENT_CHAIN_ID", 0),
			RegistryPath:          getEnv("CHAIN_REGISTRY_PATH", ""),
			ConfirmationDepth:     getEnvAsUint64("CONFIRMATION_DEPTH", 2),
			ReconcileInterval:     getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
			DirectConfirmInterval: getEnvAsDuration("DIRECT_CONFIRM_INTERVAL", 30*time.Second),
			MaxAttemptAge:         getEnvAsDuration("MAX_ATTEMPT_AGE", 24*time.Hour),
			BackoffInitial:        getEnvAsDuration("RECONCILE_BACKOFF_INITIAL", 30*time.Second),
			BackoffMax:            getEnvAsDuration("RECONCILE_BACKOFF_MAX", 10*time.Minute),
			PollConcurrency:       getEnvAsInt("RECONCILE_CONCURRENCY", 8),
			SweepLimit:            getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
			RPCTimeout:            getEnvAsDuration("RPC_TIMEOUT", 5*time.Second),
			BridgeTimeout:         getEnvAsDuration("BRIDGE_TIMEOUT", 20*time.Second),
			RPCURLs:               getEnvChainMap("RPC_URL_"),
			SettlementContracts:   getEnvChainMap("SETTLEMENT_CONTRACT_"),
			OffRamps:              getEnvChainMap("OFFRAMP_"),
		},
		Bridge: BridgeConfig{
			ExplorerBaseURL: getEnv("CCIP_EXPLORER_URL", "https://ccip.chain.link/api/h/atlas"),
			WebhookSecret:   getEnv("BRIDGE_WEBHOOK_SECRET", ""),
			WebhookMaxSkew:  getEnvAsDuration("BRIDGE_WEBHOOK_MAX_SKEW", 5*time.Minute),
			OffRampLookback: getEnvAsUint64("OFFRAMP_LOOKBACK_BLOCKS", 5000),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvChainMap collects PREFIX<chainId>=value pairs. Entries with a non-numeric suffix are ignored.
func getEnvChainMap(prefix string) map[uint64]string {
	out := map[uint64]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || strings.TrimSpace(value) == "" {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			continue
		}
		out[id] = strings.TrimSpace(value)
	}
	return out
}
