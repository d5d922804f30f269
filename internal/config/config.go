package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port    int
	NatsURL string

	StoreBackend string // "postgres" or "dynamodb"
	DatabaseURL  string
	DynamoTable  string

	BatchWindow       time.Duration
	TriggerLockBuffer time.Duration
	StagingTTL        time.Duration
	FlushAckWait      time.Duration
	FlushMaxDeliver   int

	SweepInterval       time.Duration
	SweepStuckThreshold time.Duration

	SecretsBackend string // "env" or "paramstore"
	ParamPrefix    string

	AIBaseURL   string
	AIModel     string
	AIAPIKeyRef string

	DeliveryAuthRef  string
	MailgunDomain    string
	MailgunAPIKeyRef string
	MailgunRegion    string
	TelegramTokenRef string

	DLQScanInterval time.Duration

	LogLevel          string
	SlackBotToken     string
	SlackAlertChannel string
}

func Load() Config {
	return Config{
		Port:    envInt("REPLIES_PORT", 8600),
		NatsURL: envStr("NATS_URL", "nats://localhost:4222"),

		StoreBackend: envStr("STORE_BACKEND", "postgres"),
		DatabaseURL:  envStr("DATABASE_URL", ""),
		DynamoTable:  envStr("DYNAMO_TABLE", "replies_engine"),

		BatchWindow:       time.Duration(envInt("BATCH_WINDOW_MS", 10000)) * time.Millisecond,
		TriggerLockBuffer: time.Duration(envInt("TRIGGER_LOCK_BUFFER_MS", 30000)) * time.Millisecond,
		StagingTTL:        time.Duration(envInt("STAGING_TTL_MS", 86400000)) * time.Millisecond,
		FlushAckWait:      time.Duration(envInt("FLUSH_ACK_WAIT_MS", 120000)) * time.Millisecond,
		FlushMaxDeliver:   envInt("FLUSH_MAX_DELIVER", 5),

		SweepInterval:       time.Duration(envInt("SWEEP_INTERVAL_MS", 60000)) * time.Millisecond,
		SweepStuckThreshold: time.Duration(envInt("SWEEP_STUCK_THRESHOLD_MS", 600000)) * time.Millisecond,

		SecretsBackend: envStr("SECRETS_BACKEND", "env"),
		ParamPrefix:    envStr("PARAM_PREFIX", ""),

		AIBaseURL:   envStr("AI_BASE_URL", "https://api.openai.com"),
		AIModel:     envStr("AI_MODEL", "gpt-4o-mini"),
		AIAPIKeyRef: envStr("AI_API_KEY_REF", "OPENAI_API_KEY"),

		DeliveryAuthRef:  envStr("DELIVERY_AUTH_REF", ""),
		MailgunDomain:    envStr("MAILGUN_DOMAIN", ""),
		MailgunAPIKeyRef: envStr("MAILGUN_API_KEY_REF", ""),
		MailgunRegion:    envStr("MAILGUN_REGION", "us"),
		TelegramTokenRef: envStr("TELEGRAM_TOKEN_REF", ""),

		DLQScanInterval: time.Duration(envInt("DLQ_SCAN_INTERVAL_MS", 300000)) * time.Millisecond,

		LogLevel:          envStr("LOG_LEVEL", "info"),
		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
