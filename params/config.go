package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr        string
	CORSOrigins []string
}

type Storage struct {
	// DataDir holds the pebble database (orders, events, jobs, ledger).
	DataDir string
	// DatabaseURL moves orders, events and the ledger to Postgres when set.
	// Jobs stay in pebble.
	DatabaseURL string
}

type Pipeline struct {
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	QuoteTimeout    time.Duration
	SettleTimeout   time.Duration
	BuildDelay      time.Duration
	DrainTimeout    time.Duration
	ProvidersFile   string
	ProviderSeed    uint64
	HasProviderSeed bool
}

type Relay struct {
	ListenAddr string
	Bootstrap  []string
}

type Config struct {
	API      API
	Storage  Storage
	Pipeline Pipeline
	Relay    Relay
	LogFile  string
	Verbose  bool
}

func Default() Config {
	return Config{
		API: API{
			Addr:        ":3000",
			CORSOrigins: []string{"*"},
		},
		Storage: Storage{
			DataDir: "data/orderflow",
		},
		Pipeline: Pipeline{
			Concurrency:   10,
			MaxAttempts:   3,
			BackoffBase:   time.Second,
			QuoteTimeout:  2 * time.Second,
			SettleTimeout: 10 * time.Second,
			BuildDelay:    300 * time.Millisecond,
			DrainTimeout:  15 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.API.Addr = ":" + port
	}
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := splitList(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.API.CORSOrigins = origins
	}

	cfg.LogFile = os.Getenv("LOG_FILE")
	cfg.Verbose = os.Getenv("VERBOSE") == "true"

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.Pipeline.Concurrency = getInt("WORKER_CONCURRENCY", cfg.Pipeline.Concurrency)
	cfg.Pipeline.MaxAttempts = getInt("JOB_MAX_ATTEMPTS", cfg.Pipeline.MaxAttempts)
	cfg.Pipeline.BackoffBase = getMillis("JOB_BACKOFF_MS", cfg.Pipeline.BackoffBase)
	cfg.Pipeline.QuoteTimeout = getMillis("QUOTE_TIMEOUT_MS", cfg.Pipeline.QuoteTimeout)
	cfg.Pipeline.SettleTimeout = getMillis("SETTLE_TIMEOUT_MS", cfg.Pipeline.SettleTimeout)
	cfg.Pipeline.BuildDelay = getMillis("BUILD_DELAY_MS", cfg.Pipeline.BuildDelay)
	cfg.Pipeline.DrainTimeout = getMillis("DRAIN_TIMEOUT_MS", cfg.Pipeline.DrainTimeout)
	cfg.Pipeline.ProvidersFile = os.Getenv("PROVIDERS_FILE")
	if seed := os.Getenv("PROVIDER_SEED"); seed != "" {
		if v, err := strconv.ParseUint(seed, 10, 64); err == nil {
			cfg.Pipeline.ProviderSeed = v
			cfg.Pipeline.HasProviderSeed = true
		}
	}

	cfg.Relay.ListenAddr = os.Getenv("RELAY_LISTEN")
	cfg.Relay.Bootstrap = splitList(os.Getenv("RELAY_BOOTSTRAP"))

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
