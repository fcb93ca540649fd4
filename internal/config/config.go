package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool
	DBSlowQuery       time.Duration

	Redis RedisConfig

	Credit     CreditConfig
	Generation GenerationRuntimeConfig
	Webhooks   WebhookConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type CreditConfig struct {
	FreeInitialCredits int64
	LockTTL            time.Duration
}

type GenerationRuntimeConfig struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	JobCacheSize       int
	JobCacheTTL        time.Duration
}

type WebhookConfig struct {
	StripeSecret    string
	SignatureMaxAge time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       Env("APP_SERVICE", "genstudio"),
		AppVersion:    Env("APP_VERSION", "0.1.0"),
		Environment:   Env("ENVIRONMENT", "development"),
		HTTPAddr:      Env("HTTP_ADDR", ":8080"),
		OTLPEndpoint:  Env("OTLP_ENDPOINT", "localhost:4317"),
		DBType:        Env("DATABASE_TYPE", "postgres"),
		DBHost:        Env("DATABASE_HOST", "localhost"),
		DBPort:        Env("DATABASE_PORT", "5432"),
		DBName:        Env("DATABASE_NAME", "genstudio"),
		DBUser:        Env("DATABASE_USER", "postgres"),
		DBPassword:    Env("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:     Env("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn: int(EnvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn: int(EnvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		// seconds
		DBConnMaxLifetime: int(EnvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(EnvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),
		DBAutoMigrate:     EnvBool("DATABASE_AUTO_MIGRATE", true),
		DBSlowQuery:       EnvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 250*time.Millisecond),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(Env("REDIS_ADDR", "")),
			Password: Env("REDIS_PASSWORD", ""),
			DB:       int(EnvInt64("REDIS_DB", 0)),
		},
		Credit: CreditConfig{
			FreeInitialCredits: EnvInt64("CREDIT_FREE_INITIAL", 5),
			LockTTL:            EnvDuration("CREDIT_LOCK_TTL", 5*time.Second),
		},
		Generation: GenerationRuntimeConfig{
			RateLimitPerSecond: EnvFloat("GENERATION_RATE_LIMIT_PER_SECOND", 0.5),
			RateLimitBurst:     int(EnvInt64("GENERATION_RATE_LIMIT_BURST", 5)),
			JobCacheSize:       int(EnvInt64("GENERATION_JOB_CACHE_SIZE", 10_000)),
			JobCacheTTL:        EnvDuration("GENERATION_JOB_CACHE_TTL", time.Hour),
		},
		Webhooks: WebhookConfig{
			StripeSecret:    strings.TrimSpace(Env("BILLING_STRIPE_WEBHOOK_SECRET", "")),
			SignatureMaxAge: EnvDuration("BILLING_WEBHOOK_SIGNATURE_MAX_AGE", 5*time.Minute),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}
