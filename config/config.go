package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage
	PostgresDSN string
	RedisAddr   string

	// Rate limiting
	RateLimitRequests int           // admissions per window, default: 150
	RateLimitWindow   time.Duration // default: 10s
	RateLimitCooldown time.Duration // default: 60s

	// Response cache
	CacheBackend       string // "memory" or "redis"
	CacheTTL           time.Duration
	CacheMaxEntryBytes int64
	CacheMaxEntries    int
	CachePostPaths     []string // POST paths eligible for caching

	// Usage governance
	WarningThresholdPct int
	ExactTokens         bool   // tokenizer-based estimates instead of word counts
	PlansFile           string // empty means built-in plan table

	// Moderation
	Blocklist []string

	// Durable records
	JournalDir string

	// Admin API
	AdminToken string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		CacheBackend:         getEnv("GOVERNOR_CACHE_BACKEND", "memory"),
		CachePostPaths:       splitList(os.Getenv("GOVERNOR_CACHE_POST_PATHS")),
		PlansFile:            os.Getenv("PLANS_FILE"),
		Blocklist:            splitList(os.Getenv("GOVERNOR_BLOCKLIST")),
		JournalDir:           getEnv("GOVERNOR_JOURNAL_DIR", "data/journal"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	requests, err := getEnvInt("GOVERNOR_REQUESTS_PER_WINDOW", 150)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRequests = requests

	windowSec, err := getEnvInt("GOVERNOR_WINDOW_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSec) * time.Second

	cooldownSec, err := getEnvInt("GOVERNOR_COOLDOWN_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitCooldown = time.Duration(cooldownSec) * time.Second

	ttlSec, err := getEnvInt("GOVERNOR_CACHE_TTL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.CacheTTL = time.Duration(ttlSec) * time.Second

	maxEntryBytes, err := getEnvInt64("GOVERNOR_CACHE_MAX_ENTRY_BYTES", 1048576)
	if err != nil {
		return nil, err
	}
	cfg.CacheMaxEntryBytes = maxEntryBytes

	maxEntries, err := getEnvInt("GOVERNOR_CACHE_MAX_ENTRIES", 4096)
	if err != nil {
		return nil, err
	}
	cfg.CacheMaxEntries = maxEntries

	warningPct, err := getEnvInt("GOVERNOR_WARNING_THRESHOLD_PCT", 80)
	if err != nil {
		return nil, err
	}
	cfg.WarningThresholdPct = warningPct

	exact, err := getEnvBool("GOVERNOR_EXACT_TOKENS", false)
	if err != nil {
		return nil, err
	}
	cfg.ExactTokens = exact

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.CacheBackend != "memory" && cfg.CacheBackend != "redis" {
		return nil, fmt.Errorf("invalid GOVERNOR_CACHE_BACKEND: %q", cfg.CacheBackend)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// splitList parses a comma-separated env value, dropping empties.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
