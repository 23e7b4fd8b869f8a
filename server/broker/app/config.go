package app

import (
	"time"

	cmnenv "support_broker/server/common/env"
)

type Config struct {
	Env           string
	Port          string
	JWTSecret     string
	JWTTTLMinutes int

	PostgresDSN      string
	PostgresMaxConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	PresenceTimeout   time.Duration
	PresenceSweepSpec string

	SendRateLimit        int
	SendRateWindow       time.Duration
	BroadcastConcurrency int
	HubBuffer            int
	WSAllowedOrigins     []string
}

// LoadConfig reads the environment. An empty POSTGRES_DSN selects the
// in-memory store; empty REDIS_ADDR, AMQP_URL or MINIO_ENDPOINT disable
// that integration.
func LoadConfig() Config {
	return Config{
		Env:                  cmnenv.String("APP_ENV", "dev"),
		Port:                 cmnenv.String("PORT", "8080"),
		JWTSecret:            cmnenv.String("JWT_SECRET", "change-me-in-production"),
		JWTTTLMinutes:        cmnenv.Int("JWT_TTL_MINUTES", 1440),
		PostgresDSN:          cmnenv.String("POSTGRES_DSN", ""),
		PostgresMaxConns:     cmnenv.Int("POSTGRES_MAX_CONNS", 20),
		RedisAddr:            cmnenv.String("REDIS_ADDR", ""),
		RedisPassword:        cmnenv.String("REDIS_PASSWORD", ""),
		RedisDB:              cmnenv.Int("REDIS_DB", 0),
		AMQPURL:              cmnenv.String("AMQP_URL", ""),
		MinioEndpoint:        cmnenv.String("MINIO_ENDPOINT", ""),
		MinioAccessKey:       cmnenv.String("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:       cmnenv.String("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:          cmnenv.String("MINIO_BUCKET", "support-transcripts"),
		MinioUseSSL:          cmnenv.Bool("MINIO_USE_SSL", false),
		PresenceTimeout:      cmnenv.Duration("PRESENCE_TIMEOUT", 2*time.Minute),
		PresenceSweepSpec:    cmnenv.String("PRESENCE_SWEEP_SPEC", "@every 30s"),
		SendRateLimit:        cmnenv.Int("SEND_RATE_LIMIT", 30),
		SendRateWindow:       cmnenv.Duration("SEND_RATE_WINDOW", 10*time.Second),
		BroadcastConcurrency: cmnenv.Int("BROADCAST_CONCURRENCY", 16),
		HubBuffer:            cmnenv.Int("HUB_BUFFER", 64),
		WSAllowedOrigins:     cmnenv.CSV("WS_ALLOWED_ORIGINS", nil),
	}
}
