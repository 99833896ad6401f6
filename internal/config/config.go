// Package config provides configuration loading for the flow engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the flow engine worker.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Queue consumer
	RunStream           string
	ConsumerGroup       string
	ConsumerName        string // empty = generated
	MaxParallelJobs     int
	ConsumerBlock       time.Duration
	IdleThreshold       time.Duration
	MaintenanceInterval time.Duration

	// Execution context store
	ContextStore  string // "redis" or "memory"
	ContextPrefix string
	ContextTTL    time.Duration

	// Notifier
	EventsPrefix  string
	EventsMaxLen  int64
	ResultsMaxLen int64

	// Executor
	NodeTimeout    time.Duration
	MaxParallelism int // nodes per wave, 0 = unlimited
	RunLeaseTTL    time.Duration

	// Sandbox
	SandboxDir          string
	SandboxIsolation    string // "nsjail" or "none"
	SandboxNsjailPath   string
	SandboxNodePath     string
	SandboxNpmPath      string
	SandboxTscPath      string
	SandboxInstallLimit time.Duration
	SandboxCompileLimit time.Duration
	SandboxRunLimit     time.Duration
	SandboxEnv          []string // host variables passed through to sandboxed processes

	// LLM nodes
	SecretsKey        string
	LLMRateLimitRPS   float64
	LLMRateLimitBurst int
	MemoryMaxTurns    int
	MemoryTTL         time.Duration

	// Archive of terminal contexts
	ArchiveEnabled   bool
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseSSL    bool

	// HTTP rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTELEnabled    bool
	OTELEndpoint   string
	OTELSampleRate float64
	Environment    string
	Version        string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7071"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Queue
		RunStream:           getEnv("RUN_STREAM", "workflow:runs"),
		ConsumerGroup:       getEnv("CONSUMER_GROUP", "flowengine"),
		ConsumerName:        getEnv("CONSUMER_NAME", ""),
		MaxParallelJobs:     getInt("MAX_PARALLEL_JOBS", 10),
		ConsumerBlock:       getDuration("CONSUMER_BLOCK", 5*time.Second),
		IdleThreshold:       getDuration("CONSUMER_IDLE_THRESHOLD", 5*time.Minute),
		MaintenanceInterval: getDuration("CONSUMER_MAINTENANCE_INTERVAL", time.Minute),

		// Context store
		ContextStore:  getEnv("CONTEXT_STORE", "redis"),
		ContextPrefix: getEnv("CONTEXT_PREFIX", "workflow:context"),
		ContextTTL:    getDuration("CONTEXT_TTL", 24*time.Hour),

		// Notifier
		EventsPrefix:  getEnv("EVENTS_PREFIX", "workflow:events"),
		EventsMaxLen:  getInt64("EVENTS_MAX_LEN", 10000),
		ResultsMaxLen: getInt64("RESULTS_MAX_LEN", 100000),

		// Executor
		NodeTimeout:    getDuration("NODE_TIMEOUT", 10*time.Minute),
		MaxParallelism: getInt("MAX_NODE_PARALLELISM", 0),
		RunLeaseTTL:    getDuration("RUN_LEASE_TTL", 30*time.Second),

		// Sandbox
		SandboxDir:          getEnv("SANDBOX_DIR", os.TempDir()),
		SandboxIsolation:    getEnv("SANDBOX_ISOLATION", "nsjail"),
		SandboxNsjailPath:   getEnv("SANDBOX_NSJAIL_PATH", "nsjail"),
		SandboxNodePath:     getEnv("SANDBOX_NODE_PATH", "node"),
		SandboxNpmPath:      getEnv("SANDBOX_NPM_PATH", "npm"),
		SandboxTscPath:      getEnv("SANDBOX_TSC_PATH", "tsc"),
		SandboxInstallLimit: getDuration("SANDBOX_INSTALL_TIMEOUT", 2*time.Minute),
		SandboxCompileLimit: getDuration("SANDBOX_COMPILE_TIMEOUT", time.Minute),
		SandboxRunLimit:     getDuration("SANDBOX_RUN_TIMEOUT", 5*time.Minute),
		SandboxEnv:          getStringSlice("SANDBOX_ENV_PASSTHROUGH", []string{"PATH", "HOME"}),

		// LLM
		SecretsKey:        getEnv("SECRETS_KEY", ""),
		LLMRateLimitRPS:   getFloat("LLM_RATE_LIMIT_RPS", 10.0),
		LLMRateLimitBurst: getInt("LLM_RATE_LIMIT_BURST", 20),
		MemoryMaxTurns:    getInt("MEMORY_MAX_TURNS", 20),
		MemoryTTL:         getDuration("MEMORY_TTL", 7*24*time.Hour),

		// Archive
		ArchiveEnabled:   getBool("ARCHIVE_ENABLED", false),
		ArchiveBucket:    getEnv("ARCHIVE_S3_BUCKET", "flowengine-runs"),
		ArchiveEndpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveAccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		ArchiveUseSSL:    getBool("ARCHIVE_S3_USE_SSL", false),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 50.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),

		// Tracing
		OTELEnabled:    getBool("OTEL_ENABLED", false),
		OTELEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELSampleRate: getFloat("OTEL_SAMPLE_RATE", 1.0),
		Environment:    getEnv("ENVIRONMENT", "development"),
		Version:        getEnv("VERSION", "dev"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getStringSlice splits a comma-separated value, trimming blanks.
func getStringSlice(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
