package sqlbatch

import (
	"os"
	"strconv"
	"time"
)

// Config represents job backend, worker and reconciler configuration.
type Config struct {
	// Redis address used by the Redis adapters (default: localhost:6379).
	RedisAddr string

	// Logical store index holding job records, queues and user indexes (default: 5).
	StoreIndex int

	// Maximum number of concurrent job reads issued by List (default: 16).
	ListConcurrency int

	// Capacity of the lifecycle event channel (default: 64).
	EventBuffer int

	// How often the reconciler scans job records (default: 1 minute).
	ReconcileInterval time.Duration

	// Age after which a pending job missing from its host queue is
	// re-dispatched (default: 5 minutes).
	PendingThreshold time.Duration

	// Age of the last update or heartbeat after which a running job is
	// considered orphaned and marked failed (default: 10 minutes, 0 disables).
	LeaseTTL time.Duration

	// Maximum re-dispatches per second issued by the reconciler (default: 50).
	ReconcileRate float64

	// How often a worker heartbeats a running job (default: 30 seconds).
	HeartbeatInterval time.Duration

	// Maximum number of jobs a worker executes at once (default: 4).
	WorkerConcurrency int

	// How often a worker polls its queue without a notification (default: 1 second).
	PollInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		RedisAddr:         "localhost:6379",
		StoreIndex:        5,
		ListConcurrency:   16,
		EventBuffer:       64,
		ReconcileInterval: time.Minute,
		PendingThreshold:  5 * time.Minute,
		LeaseTTL:          10 * time.Minute,
		ReconcileRate:     50,
		HeartbeatInterval: 30 * time.Second,
		WorkerConcurrency: 4,
		PollInterval:      time.Second,
	}
}

// LoadConfig loads configuration from environment variables.
// It reads the following environment variables:
//   - SQLBATCH_REDIS_ADDR
//   - SQLBATCH_STORE_INDEX
//   - SQLBATCH_LIST_CONCURRENCY
//   - SQLBATCH_EVENT_BUFFER
//   - SQLBATCH_RECONCILE_INTERVAL
//   - SQLBATCH_PENDING_THRESHOLD
//   - SQLBATCH_LEASE_TTL
//   - SQLBATCH_RECONCILE_RATE
//   - SQLBATCH_HEARTBEAT_INTERVAL
//   - SQLBATCH_WORKER_CONCURRENCY
//   - SQLBATCH_POLL_INTERVAL
//
// Duration values can be specified as:
//   - Integer number of seconds (e.g., "30" = 30 seconds)
//   - Duration string (e.g., "24h", "1h30m")
//
// Unset or unparsable variables keep their DefaultConfig value.
func LoadConfig() *Config {
	def := DefaultConfig()
	return &Config{
		RedisAddr:         getEnvString("SQLBATCH_REDIS_ADDR", def.RedisAddr),
		StoreIndex:        getEnvInt("SQLBATCH_STORE_INDEX", def.StoreIndex),
		ListConcurrency:   getEnvInt("SQLBATCH_LIST_CONCURRENCY", def.ListConcurrency),
		EventBuffer:       getEnvInt("SQLBATCH_EVENT_BUFFER", def.EventBuffer),
		ReconcileInterval: getEnvDuration("SQLBATCH_RECONCILE_INTERVAL", def.ReconcileInterval),
		PendingThreshold:  getEnvDuration("SQLBATCH_PENDING_THRESHOLD", def.PendingThreshold),
		LeaseTTL:          getEnvDuration("SQLBATCH_LEASE_TTL", def.LeaseTTL),
		ReconcileRate:     getEnvFloat("SQLBATCH_RECONCILE_RATE", def.ReconcileRate),
		HeartbeatInterval: getEnvDuration("SQLBATCH_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		WorkerConcurrency: getEnvInt("SQLBATCH_WORKER_CONCURRENCY", def.WorkerConcurrency),
		PollInterval:      getEnvDuration("SQLBATCH_POLL_INTERVAL", def.PollInterval),
	}
}

func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
