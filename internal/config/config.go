package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, the scheduler and the gateway.
type Config struct {
	Port string

	AuthToken   string
	JWTSecret   string
	CORSOrigins []string

	DatabaseURL string
	SQLitePath  string

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string
	RedisLockPrefix    string
	LockBackend        string

	RateLimitRPS   float64
	RateLimitBurst int

	TenantsFile       string
	DefaultTenantRate float64
	RateMaxWait       time.Duration

	TelegramAPIURL  string
	TelegramTimeout time.Duration

	WorkerEnabled     bool
	WorkerID          string
	PollInterval      time.Duration
	MaxConcurrentJobs int
	BatchSize         int
	LeaseTTL          time.Duration
	MaxAttempts       int
	RetryBase         time.Duration
	RetryMax          time.Duration

	BusBuffer         int
	GatewaySendBuffer int
	EvictAfter        time.Duration

	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:   getEnv("API_AUTH_TOKEN", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		CORSOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "botfleet:events:"),
		RedisLockPrefix:    getEnv("REDIS_LOCK_PREFIX", "botfleet:lock:job:"),
		LockBackend:        strings.ToLower(getEnv("LOCK_BACKEND", "store")),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		TenantsFile:       getEnv("TENANTS_FILE", ""),
		DefaultTenantRate: getEnvFloat("TENANT_DEFAULT_RATE", 25),
		RateMaxWait:       getEnvDuration("TENANT_RATE_MAX_WAIT", 30*time.Second),

		TelegramAPIURL:  getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramTimeout: getEnvDuration("TELEGRAM_TIMEOUT", 15*time.Second),

		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		WorkerID:          getEnv("WORKER_ID", hostname()),
		PollInterval:      getEnvDuration("SCHEDULER_POLL_INTERVAL", 2*time.Second),
		MaxConcurrentJobs: getEnvInt("SCHEDULER_MAX_CONCURRENT_JOBS", 4),
		BatchSize:         getEnvInt("EXECUTOR_BATCH_SIZE", 50),
		LeaseTTL:          getEnvDuration("EXECUTOR_LEASE_TTL", 30*time.Second),
		MaxAttempts:       getEnvInt("EXECUTOR_MAX_ATTEMPTS", 3),
		RetryBase:         getEnvDuration("EXECUTOR_RETRY_BASE", 500*time.Millisecond),
		RetryMax:          getEnvDuration("EXECUTOR_RETRY_MAX", 10*time.Second),

		BusBuffer:         getEnvInt("EVENT_BUS_BUFFER", 256),
		GatewaySendBuffer: getEnvInt("GATEWAY_SEND_BUFFER", 64),
		EvictAfter:        getEnvDuration("GATEWAY_EVICT_AFTER", 30*time.Second),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "worker"
	}
	return name
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if millis, err := strconv.Atoi(value); err == nil {
		return time.Duration(millis) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
