// Package config loads Forge's ambient configuration from environment
// variables, following the teacher's config.Load() shape: safe defaults,
// no external config file required to boot in dev mode.
package config

import (
	"os"
	"strconv"
	"time"
)

// QueuePolicy controls how a second activation request for a
// (moduleId, tenantId) key that is already in progress is handled.
type QueuePolicy string

const (
	QueueWait   QueuePolicy = "wait"
	QueueReject QueuePolicy = "reject"
)

// Config holds Forge's process-wide tunables.
type Config struct {
	LogLevel string

	MaxConcurrentActivations int
	ActivationQueuePolicy    QueuePolicy
	ActivationTimeout        time.Duration
	RollbackTimeout          time.Duration

	DependencyCacheTTL   time.Duration
	DependencyMaxDepth   int
	DependencyTimeout    time.Duration

	HealthCheckInterval time.Duration

	DatabaseURL       string
	SealedDatabaseDSN string
	RedisURL          string
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() *Config {
	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		MaxConcurrentActivations: getEnvInt("MAX_CONCURRENT_ACTIVATIONS", 16),
		ActivationQueuePolicy:    QueuePolicy(getEnv("ACTIVATION_QUEUE_POLICY", string(QueueWait))),
		ActivationTimeout:        getEnvDuration("ACTIVATION_TIMEOUT", 5*time.Minute),
		RollbackTimeout:          getEnvDuration("ROLLBACK_TIMEOUT", 2*time.Minute),

		DependencyCacheTTL: getEnvDuration("DEPENDENCY_CACHE_TTL", 5*time.Minute),
		DependencyMaxDepth: getEnvInt("DEPENDENCY_MAX_DEPTH", 32),
		DependencyTimeout:  getEnvDuration("DEPENDENCY_RESOLUTION_TIMEOUT", 30*time.Second),

		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 10*time.Second),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SealedDatabaseDSN: getEnv("DATABASE_DSN_SEALED", ""),
		// RedisURL is unset by default: the distributed resolver cache and
		// activation lock (see pkg/resolver.RedisCache, pkg/activation's
		// lockTable) are opt-in for multi-instance deployments, not
		// required to run Forge on a single instance.
		RedisURL: getEnv("REDIS_URL", ""),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
