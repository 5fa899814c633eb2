// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// ClickHouseDSN is the ClickHouse connection string for records and rollups.
	ClickHouseDSN string

	Redis     RedisConfig
	Kafka     KafkaConfig
	Sync      SyncConfig
	Cache     CacheConfig
	Valuation ValuationConfig
	Rates     RatesConfig
	Server    ServerConfig

	// TenantsFile is the YAML file listing tenants and their sources.
	TenantsFile string

	LogLevel  string
	LogFormat string

	// OpsAddr is where the engine serves /healthz and /metrics.
	OpsAddr string
}

// RedisConfig holds the checkpoint/lock store connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// CurrencyTableKey is the hash overlaying the built-in currency table.
	CurrencyTableKey string
}

// KafkaConfig holds the record event publisher settings.
// An empty Broker disables publishing.
type KafkaConfig struct {
	Broker string
	Topic  string
}

// SyncConfig tunes the sync orchestrator.
type SyncConfig struct {
	Interval     time.Duration
	Concurrency  int
	CycleTimeout time.Duration
	UnitTimeout  time.Duration
	BatchSize    int

	// AllowTenants and AllowSources restrict the cycle when non-empty.
	AllowTenants []string
	AllowSources []string
}

// CacheConfig tunes the rollup cache engine.
type CacheConfig struct {
	Interval  time.Duration
	BatchSize int

	// EpochStart is the lower bound of the very first recompute.
	EpochStart time.Time
}

// ValuationConfig tunes the valuation backfill engine.
type ValuationConfig struct {
	PageSize  int
	PageDelay time.Duration
	IdleSleep time.Duration
}

// RatesConfig holds the rate-lookup service settings.
type RatesConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int

	// RequestsPerSecond paces calls to the rate service.
	RequestsPerSecond float64
}

// ServerConfig holds the read API settings.
type ServerConfig struct {
	Port string
}

// getDatabaseDSN constructs the ClickHouse DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "user")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "password")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "txradar")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		ClickHouseDSN: getDatabaseDSN(),
		Redis: RedisConfig{
			Addr:             getEnv("REDIS_ADDR", "localhost:6379"),
			Password:         getEnv("REDIS_PASSWORD", ""),
			DB:               getEnvInt("REDIS_DB", 0),
			CurrencyTableKey: getEnv("CURRENCY_TABLE_KEY", "txradar:currency-codes"),
		},
		Kafka: KafkaConfig{
			Broker: getEnv("KAFKA_BROKER", ""),
			Topic:  getEnv("KAFKA_TX_TOPIC", "txradar_records"),
		},
		Sync: SyncConfig{
			Interval:     getEnvDuration("SYNC_INTERVAL", time.Minute),
			Concurrency:  getEnvInt("SYNC_CONCURRENCY", 3),
			CycleTimeout: getEnvDuration("SYNC_CYCLE_TIMEOUT", 30*time.Minute),
			UnitTimeout:  getEnvDuration("SYNC_UNIT_TIMEOUT", 5*time.Minute),
			BatchSize:    getEnvInt("SYNC_BATCH_SIZE", 500),
			AllowTenants: getEnvList("SYNC_TENANTS"),
			AllowSources: getEnvList("SYNC_SOURCES"),
		},
		Cache: CacheConfig{
			Interval:   getEnvDuration("CACHE_INTERVAL", 30*time.Minute),
			BatchSize:  getEnvInt("CACHE_BATCH_SIZE", 50),
			EpochStart: time.Unix(int64(getEnvInt("CACHE_EPOCH_START", 1577836800)), 0).UTC(),
		},
		Valuation: ValuationConfig{
			PageSize:  getEnvInt("VALUATION_PAGE_SIZE", 50),
			PageDelay: getEnvDuration("VALUATION_PAGE_DELAY", 500*time.Millisecond),
			IdleSleep: getEnvDuration("VALUATION_IDLE_SLEEP", 10*time.Minute),
		},
		Rates: RatesConfig{
			BaseURL:           getEnv("RATES_URL", "http://localhost:8008"),
			Timeout:           getEnvDuration("RATES_TIMEOUT", 10*time.Second),
			MaxAttempts:       getEnvInt("RATES_MAX_ATTEMPTS", 5),
			RequestsPerSecond: float64(getEnvInt("RATES_RPS", 5)),
		},
		Server: ServerConfig{
			Port: getEnv("API_PORT", "8080"),
		},
		TenantsFile: getEnv("TENANTS_FILE", "tenants.yaml"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		OpsAddr:     getEnv("OPS_ADDR", ":9090"),
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration parses values like "90s" or "5m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
