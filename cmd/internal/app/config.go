package app

import "time"

// Config holds the server runtime configuration, loaded from SLATE_* env vars.
type Config struct {
	HTTPAddr string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// AttachDir is the Pebble data directory for attachment blobs.
	// Empty means attachments are held in memory (dev only).
	AttachDir       string
	AttachMaxBytes  int64
	FanoutQueueSize int

	ReadinessRequireDB bool

	LogLevel  string
	LogPretty bool
}

// LoadConfig reads configuration from the environment.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("SLATE_HTTP_ADDR", "0.0.0.0:8080"),

		ReadHeaderTimeout: EnvDuration("SLATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SLATE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SLATE_HTTP_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       EnvDuration("SLATE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SLATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SLATE_DATABASE_URL", ""),
		DBSchema:    EnvString("SLATE_DB_SCHEMA", "slate"),
		DBMaxConns:  EnvInt32("SLATE_DB_MAX_CONNS", 0),
		DBMinConns:  EnvInt32("SLATE_DB_MIN_CONNS", 0),

		AttachDir:       EnvString("SLATE_ATTACH_DIR", ""),
		AttachMaxBytes:  int64(EnvInt("SLATE_ATTACH_MAX_BYTES", 25<<20)),
		FanoutQueueSize: EnvInt("SLATE_FANOUT_QUEUE", 1024),

		ReadinessRequireDB: EnvBool("SLATE_READYZ_REQUIRE_DB", false),

		LogLevel:  EnvString("SLATE_LOG_LEVEL", "info"),
		LogPretty: EnvBool("SLATE_LOG_PRETTY", false),
	}
}
