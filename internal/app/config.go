package app

import "time"

// Archive backend selectors.
const (
	ArchiveMemory   = "memory"
	ArchivePebble   = "pebble"
	ArchivePostgres = "postgres"
)

// Push notifier selectors.
const (
	PushLog     = "log"
	PushWebhook = "webhook"
	PushKafka   = "kafka"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Archive backend: memory, pebble, or postgres.
	ArchiveBackend string
	PebblePath     string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Timeout budget for the archive leg of the dual write.
	ArchiveTimeout time.Duration

	// Optional Redis presence mirror; empty disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Push notifier: log, webhook, or kafka.
	PushMode       string
	PushWebhookURL string
	KafkaBrokers   []string
	KafkaTopic     string

	// Consistency auditor schedule (cron). Empty disables scheduling;
	// RunOnce remains available.
	AuditCron string

	// If true:
	// - /readyz returns 503 unless the archive backend is postgres and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURIER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		ArchiveBackend: EnvString("COURIER_ARCHIVE", ArchiveMemory),
		PebblePath:     EnvString("COURIER_PEBBLE_PATH", "./data/archive"),

		DatabaseURL: EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COURIER_DB_MIN_CONNS", 0),

		ArchiveTimeout: EnvDuration("COURIER_ARCHIVE_TIMEOUT", 3*time.Second),

		RedisAddr:     EnvString("COURIER_REDIS_ADDR", ""),
		RedisPassword: EnvString("COURIER_REDIS_PASSWORD", ""),
		RedisDB:       int(EnvInt32("COURIER_REDIS_DB", 0)),

		PushMode:       EnvString("COURIER_PUSH_MODE", PushLog),
		PushWebhookURL: EnvString("COURIER_PUSH_WEBHOOK_URL", ""),
		KafkaBrokers:   EnvCSV("COURIER_KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:     EnvString("COURIER_KAFKA_TOPIC", "courier.push"),

		AuditCron: EnvString("COURIER_AUDIT_CRON", "0 * * * *"),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),
	}
}
