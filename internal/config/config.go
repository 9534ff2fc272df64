// Package config loads runtime configuration from environment variables,
// following the teacher's getEnv/getInt/getDuration convention and
// extending it with the option groups the full pipeline needs: the
// coordination store, the bus, the outbox dispatcher, the scheduled
// queue, and the recovery reconciler. Per-channel rate limits and the
// plugin registry are file-backed (see internal/plugins) because their
// shape is a list, not a flat key/value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration. Every field has a sensible
// default; only DATABASE_URL is required.
type Config struct {
	// Admin/introspection HTTP surface
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Durable store
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Coordination store
	CoordinationURL string

	// Message bus
	KafkaBrokers  []string
	KafkaClientID string

	// Identity of this process, used for outbox/scheduled-queue claim leases.
	WorkerID string

	// Retry / idempotency tunables shared by dispatch (F) and the queue (G).
	MaxRetryCount  int
	ProcessingTTL  time.Duration
	IdempotencyTTL time.Duration
	RetryBaseDelay time.Duration

	// Outbox dispatcher (E)
	OutboxPollInterval    time.Duration
	OutboxBatchSize       int
	OutboxClaimTimeout    time.Duration
	OutboxCleanupInterval time.Duration
	OutboxRetention       time.Duration

	// Scheduled queue poller (H)
	ScheduledPollInterval     time.Duration
	ScheduledBatchSize        int
	ScheduledClaimTimeout     time.Duration
	ScheduledMaxPollerRetries int

	// Recovery reconciler (J)
	RecoveryInterval         time.Duration
	RecoveryBatchSize        int
	StuckProcessingThreshold time.Duration
	StuckAlertThreshold      time.Duration
	StatusClaimLease         time.Duration
	OrphanThreshold          time.Duration
	OrphanAlertThreshold     int
	OrphanCriticalThreshold  int

	// Provider HTTP client timeout, shared by every plugin-instantiated provider.
	ProviderTimeout time.Duration

	// Batch ingest ceiling: len(recipients) * len(channels) must not exceed this.
	MaxBatchNotifications int

	// Plugin registry config file, e.g. plugins.yaml.
	PluginConfigPath string
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		CoordinationURL: getEnv("COORDINATION_URL", "redis://localhost:6379/0"),

		KafkaBrokers:  getList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaClientID: getEnv("KAFKA_CLIENT_ID", "notification-core"),

		WorkerID: getEnv("WORKER_ID", hostnameOrRandom()),

		MaxRetryCount:  getInt("MAX_RETRY_COUNT", 3),
		ProcessingTTL:  getDuration("PROCESSING_TTL_SECONDS", 30*time.Second),
		IdempotencyTTL: getDuration("IDEMPOTENCY_TTL_SECONDS", 24*time.Hour),
		RetryBaseDelay: getDuration("RETRY_BASE_MS", 1*time.Second),

		OutboxPollInterval:    getDuration("OUTBOX_POLL_INTERVAL_MS", 3*time.Second),
		OutboxBatchSize:       getInt("OUTBOX_BATCH_SIZE", 100),
		OutboxClaimTimeout:    getDuration("OUTBOX_CLAIM_TIMEOUT_MS", 30*time.Second),
		OutboxCleanupInterval: getDuration("OUTBOX_CLEANUP_INTERVAL_MS", 5*time.Minute),
		OutboxRetention:       getDuration("OUTBOX_RETENTION_MS", 24*time.Hour),

		ScheduledPollInterval:     getDuration("SCHEDULED_POLL_INTERVAL_MS", 1*time.Second),
		ScheduledBatchSize:        getInt("SCHEDULED_BATCH_SIZE", 100),
		ScheduledClaimTimeout:     getDuration("SCHEDULED_CLAIM_TIMEOUT_MS", 15*time.Second),
		ScheduledMaxPollerRetries: getInt("SCHEDULED_MAX_POLLER_RETRIES", 10),

		RecoveryInterval:         getDuration("RECOVERY_INTERVAL_MS", 1*time.Minute),
		RecoveryBatchSize:        getInt("RECOVERY_BATCH_SIZE", 200),
		StuckProcessingThreshold: getDuration("STUCK_PROCESSING_THRESHOLD_MS", 5*time.Minute),
		StuckAlertThreshold:      getDuration("STUCK_ALERT_THRESHOLD_MS", 20*time.Minute),
		StatusClaimLease:         getDuration("STATUS_CLAIM_LEASE_MS", 30*time.Second),
		OrphanThreshold:         getDuration("ORPHAN_THRESHOLD_MS", 10*time.Minute),
		OrphanAlertThreshold:    getInt("ORPHAN_ALERT_THRESHOLD", 100),
		OrphanCriticalThreshold: getInt("ORPHAN_CRITICAL_THRESHOLD", 1000),

		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 10*time.Second),

		MaxBatchNotifications: getInt("MAX_BATCH_NOTIFICATIONS", 10000),

		PluginConfigPath: getEnv("PLUGIN_CONFIG_PATH", "plugins.yaml"),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Keys named *_MS / *_SECONDS also accept a bare integer in that unit.
		if n, err := strconv.Atoi(v); err == nil {
			switch {
			case strings.HasSuffix(key, "_MS"):
				return time.Duration(n) * time.Millisecond
			case strings.HasSuffix(key, "_SECONDS"):
				return time.Duration(n) * time.Second
			}
		}
	}
	return defaultVal
}

func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func hostnameOrRandom() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker-unknown"
}
