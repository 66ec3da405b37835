package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	platformstrings "github.com/audax/qabel-index/pkg/platform/strings"
)

const (
	DefaultAddr              = ":8080"
	DefaultPublicURL         = "http://localhost:8080"
	DefaultVerificationTTL   = 72 * time.Hour
	DefaultAccountingTimeout = 5 * time.Second
	DefaultAccountingTTL     = 5 * time.Minute
	DefaultAuditTopic        = "keyindex.audit"
)

// DefaultLanguages are the enabled locales when INDEX_LANGUAGES is unset. The first is the fallback.
var DefaultLanguages = []string{"de-DE", "en-US"}

// Server captures process level configuration.
type Server struct {
	Addr      string
	PublicURL string
	LogLevel  string

	VerificationTTL time.Duration
	SweepInterval   time.Duration
	Languages       []string

	DatabaseURL string
	Redis       RedisConfig

	Accounting AccountingConfig
	SMTP       SMTPConfig
	Kafka      KafkaConfig
}

// RedisConfig configures the approval cache connection. Empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AccountingConfig configures the authorization gate.
type AccountingConfig struct {
	RequireAuthorization bool
	URL                  string
	APISecret            string
	Timeout              time.Duration
	CacheTTL             time.Duration
}

// SMTPConfig configures the email notifier. Empty Addr selects the log notifier.
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// KafkaConfig configures the audit sink. No brokers selects the in-memory sink.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:            envOr("INDEX_ADDR", DefaultAddr),
		PublicURL:       strings.TrimRight(envOr("INDEX_PUBLIC_URL", DefaultPublicURL), "/"),
		LogLevel:        envOr("INDEX_LOG_LEVEL", "info"),
		VerificationTTL: durationOr("INDEX_VERIFICATION_TTL", DefaultVerificationTTL),
		SweepInterval:   durationOr("INDEX_SWEEP_INTERVAL", 0),
		Languages:       listOr("INDEX_LANGUAGES", DefaultLanguages),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Accounting: AccountingConfig{
			RequireAuthorization: os.Getenv("REQUIRE_AUTHORIZATION") == "true",
			URL:                  strings.TrimRight(os.Getenv("ACCOUNTING_URL"), "/"),
			APISecret:            os.Getenv("ACCOUNTING_API_SECRET"),
			Timeout:              durationOr("ACCOUNTING_TIMEOUT", DefaultAccountingTimeout),
			CacheTTL:             durationOr("ACCOUNTING_CACHE_TTL", DefaultAccountingTTL),
		},
		SMTP: SMTPConfig{
			Addr:     os.Getenv("SMTP_ADDR"),
			From:     envOr("SMTP_FROM", "noreply@localhost"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
		},
		Kafka: KafkaConfig{
			Brokers:    listOr("KAFKA_BROKERS", nil),
			AuditTopic: envOr("KAFKA_AUDIT_TOPIC", DefaultAuditTopic),
		},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		slog.Warn("invalid duration in environment, using default",
			"key", key,
			"value", raw,
			"default", fallback.String(),
		)
		return fallback
	}
	return d
}

func listOr(key string, fallback []string) []string {
	out := platformstrings.DedupeAndTrim(strings.Split(os.Getenv(key), ","))
	if len(out) == 0 {
		return fallback
	}
	return out
}
