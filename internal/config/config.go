package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int
	DatabaseURL    string
	AdminJWTSecret string
	CORSOrigins    []string
	CORSHeaders    []string
	CORSMaxAge     time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	RedisAddr        string
	RedisPassword    string
	RedisTLS         bool
	TemplateCacheTTL time.Duration

	// Scheduling
	DefaultTimezone          string
	AvailabilityMaxRangeDays int

	// Recurrence expansion
	ExpansionQueueURL      string
	ExpansionJobsTable     string
	ExpansionSweepEnabled  bool
	ExpansionSweepInterval time.Duration
	ExpansionHorizonDays   int
	ExpansionSweepBatch    int
	ExpansionMaxAttempts   int
	ExpansionRetryDelay    time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		CORSOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		CORSHeaders:    getEnvAsList("CORS_ALLOWED_HEADERS", nil),
		CORSMaxAge:     getEnvAsDuration("CORS_MAX_AGE", 10*time.Minute),
		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 20),

		RedisAddr:        getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisTLS:         getEnvAsBool("REDIS_TLS", false),
		TemplateCacheTTL: getEnvAsDuration("TEMPLATE_CACHE_TTL", 10*time.Minute),

		DefaultTimezone:          getEnv("DEFAULT_TIMEZONE", "America/Sao_Paulo"),
		AvailabilityMaxRangeDays: getEnvAsInt("AVAILABILITY_MAX_RANGE_DAYS", 90),

		ExpansionQueueURL:      getEnv("EXPANSION_QUEUE_URL", ""),
		ExpansionJobsTable:     getEnv("EXPANSION_JOBS_TABLE", "expansion_jobs"),
		ExpansionSweepEnabled:  getEnvAsBool("EXPANSION_SWEEP_ENABLED", false),
		ExpansionSweepInterval: getEnvAsDuration("EXPANSION_SWEEP_INTERVAL", time.Hour),
		ExpansionHorizonDays:   getEnvAsInt("EXPANSION_HORIZON_DAYS", 31),
		ExpansionSweepBatch:    getEnvAsInt("EXPANSION_SWEEP_BATCH", 200),
		ExpansionMaxAttempts:   getEnvAsInt("EXPANSION_MAX_ATTEMPTS", 5),
		ExpansionRetryDelay:    getEnvAsDuration("EXPANSION_RETRY_DELAY", 30*time.Second),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
