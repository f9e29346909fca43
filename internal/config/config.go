// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is loaded once at startup
// and threaded through components; there is no hot reload.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, uses in-memory queue if not set)
	ArtifactDir string // Local directory for audio artifacts (blob store fallback)

	// Voice slots
	SlotLimit              int
	WarmHold               time.Duration
	SlotLockTTL            time.Duration
	QueuePollInterval      time.Duration
	ReclaimInterval        time.Duration
	AllocationWaitDeadline time.Duration
	MaxDispatchPerCycle    int

	// Providers
	DefaultVoiceProvider string
	ElevenLabsAPIKey     string
	CartesiaAPIKey       string
	ProviderCallTimeout  time.Duration

	// Credits
	CreditsUnitSize        int
	CreditsUnitLabel       string
	InitialCredits         int
	MonthlyCredits         int
	CreditSourcesPriority  []string

	// Workers
	MaxRetries       int
	WorkerPoolSize   int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// Security
	AdminSecret         string
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string
}

// Defaults mirror the operational values the service has been tuned to.
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultSlotLimit           = 10
	DefaultWarmHoldSeconds     = 900
	DefaultSlotLockTTLSeconds  = 60
	DefaultQueuePollSeconds    = 60
	DefaultReclaimSeconds      = 300
	DefaultAllocWaitSeconds    = 120
	DefaultProviderTimeoutSecs = 30
	DefaultMaxDispatch         = 10
	DefaultMaxRetries          = 5
	DefaultWorkerPoolSize      = 8
	DefaultCreditsUnitSize     = 1000
	DefaultCreditsUnitLabel    = "Story Points"
	DefaultInitialCredits      = 10
	DefaultVoiceProvider       = "elevenlabs"
	DefaultSourcesPriority     = "event,monthly,referral,add_on,free"
)

// Load reads configuration from environment variables.
// It loads .env first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		ArtifactDir: getEnv("ARTIFACT_DIR", "artifacts"),

		SlotLimit:              getEnvInt("SLOT_LIMIT", DefaultSlotLimit),
		WarmHold:               getEnvSeconds("WARM_HOLD_SECONDS", DefaultWarmHoldSeconds),
		SlotLockTTL:            getEnvSeconds("SLOT_LOCK_TTL_SECONDS", DefaultSlotLockTTLSeconds),
		QueuePollInterval:      getEnvSeconds("QUEUE_POLL_INTERVAL_SECONDS", DefaultQueuePollSeconds),
		ReclaimInterval:        getEnvSeconds("RECLAIM_INTERVAL_SECONDS", DefaultReclaimSeconds),
		AllocationWaitDeadline: getEnvSeconds("ALLOCATION_WAIT_DEADLINE_SECONDS", DefaultAllocWaitSeconds),
		MaxDispatchPerCycle:    getEnvInt("MAX_DISPATCH_PER_CYCLE", DefaultMaxDispatch),

		DefaultVoiceProvider: getEnv("DEFAULT_VOICE_PROVIDER", DefaultVoiceProvider),
		ElevenLabsAPIKey:     os.Getenv("ELEVENLABS_API_KEY"),
		CartesiaAPIKey:       os.Getenv("CARTESIA_API_KEY"),
		ProviderCallTimeout:  getEnvSeconds("PROVIDER_CALL_TIMEOUT_SECONDS", DefaultProviderTimeoutSecs),

		CreditsUnitSize:       getEnvInt("CREDITS_UNIT_SIZE", DefaultCreditsUnitSize),
		CreditsUnitLabel:      getEnv("CREDITS_UNIT_LABEL", DefaultCreditsUnitLabel),
		InitialCredits:        getEnvInt("INITIAL_CREDITS", DefaultInitialCredits),
		MonthlyCredits:        getEnvInt("MONTHLY_CREDITS", 0),
		CreditSourcesPriority: splitList(getEnv("CREDIT_SOURCES_PRIORITY", DefaultSourcesPriority)),

		MaxRetries:       getEnvInt("MAX_RETRIES", DefaultMaxRetries),
		WorkerPoolSize:   getEnvInt("WORKER_POOL_SIZE", DefaultWorkerPoolSize),
		RetryBackoffBase: getEnvSeconds("RETRY_BACKOFF_BASE_SECONDS", 1),
		RetryBackoffCap:  getEnvSeconds("RETRY_BACKOFF_CAP_SECONDS", 60),

		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.CreditsUnitSize <= 0 {
		return fmt.Errorf("CREDITS_UNIT_SIZE must be positive, got %d", c.CreditsUnitSize)
	}
	if c.SlotLimit < 0 {
		return fmt.Errorf("SLOT_LIMIT must not be negative, got %d", c.SlotLimit)
	}
	if c.MaxDispatchPerCycle <= 0 {
		return fmt.Errorf("MAX_DISPATCH_PER_CYCLE must be positive, got %d", c.MaxDispatchPerCycle)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if len(c.CreditSourcesPriority) == 0 {
		return fmt.Errorf("CREDIT_SOURCES_PRIORITY must not be empty")
	}
	switch c.DefaultVoiceProvider {
	case "elevenlabs", "cartesia":
	default:
		return fmt.Errorf("DEFAULT_VOICE_PROVIDER must be elevenlabs or cartesia, got %q", c.DefaultVoiceProvider)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

// splitList parses a comma-separated list, trimming whitespace, lowercasing,
// and dropping empty or duplicate entries while preserving order.
func splitList(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		s := strings.ToLower(strings.TrimSpace(part))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
