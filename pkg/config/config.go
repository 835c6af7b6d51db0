// Package config loads process-wide configuration for the rebirth server
// from environment variables, following the layered-defaults style of
// the teacher's pkg/config (one typed struct per concern, each with its
// own Default*Config constructor) flattened into a single Config object
// since this system has no YAML agent/chain registries to merge.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object threaded through main.go.
type Config struct {
	HTTPPort string
	GinMode  string

	Database DatabaseConfig
	Queue    SpeculationConfig
	Cache    PrimingCacheConfig
	LLM      LLMConfig
	Image    ImageConfig
	Settle   SettlementConfig
	CORS     CORSConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SpeculationConfig controls the speculative branch-generation scheduler.
type SpeculationConfig struct {
	Enabled                  bool
	MaxDepth                 int
	ChoiceWorkers            int
	LevelCap                 int
	MaxConcurrencyPerUser    int
	ContinueRaceWaitInterval time.Duration
}

// PrimingCacheConfig controls the first-story priming LRU.
type PrimingCacheConfig struct {
	MaxEntries        int
	StartCacheWaitSec int
	PollInterval      time.Duration
}

// LLMConfig controls the LLM adapter's retry/backoff behavior.
type LLMConfig struct {
	Endpoint       string
	Model          string
	TimeoutSeconds int
	MaxRetries     int
	BackoffMinMS   int
	BackoffMaxMS   int
	UseStub        bool
}

// ImageConfig controls the image adapter's retry/backoff behavior.
type ImageConfig struct {
	EnableAIGeneration        bool
	ConnectTimeoutSeconds     int
	FirstReadTimeoutSeconds   int
	RetryReadTimeoutSeconds   int
	MaxRetries                int
	LocalStorageDir           string
	LibraryImages             []string
}

// CORSConfig controls the allowed browser origins for the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SettlementConfig holds the settlement settings as loaded from the
// environment. It is a separate type from pkg/models.SettlementConfig;
// main copies its fields into that type for the engine.
type SettlementConfig struct {
	MinNodes      int
	MaxNodes      int
	PassThreshold int
	FailThreshold int
}

// Load reads configuration from the environment, applying the defaults from
// spec.md §6 where a variable is unset. It never fails: missing or malformed
// values fall back silently, matching the teacher's getEnv-with-default
// convention in cmd/tarsy/main.go.
func Load() *Config {
	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "release"),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "rebirth"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "rebirth"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},

		Queue: SpeculationConfig{
			Enabled:                  getEnvBool("SPECULATION_ENABLED", true),
			MaxDepth:                 getEnvInt("SPECULATION_MAX_DEPTH", 2),
			ChoiceWorkers:            getEnvInt("SPECULATION_CHOICE_WORKERS", 3),
			LevelCap:                 getEnvInt("SPECULATION_LEVEL_CAP", 0),
			MaxConcurrencyPerUser:    getEnvInt("SPECULATION_MAX_CONCURRENCY_PER_USER", 9),
			ContinueRaceWaitInterval: getEnvDuration("CONTINUE_RACE_WAIT_INTERVAL", 250*time.Millisecond),
		},

		Cache: PrimingCacheConfig{
			MaxEntries:        getEnvInt("FIRST_STORY_CACHE_MAX_ENTRIES", 100),
			StartCacheWaitSec: getEnvInt("START_CACHE_WAIT_SECONDS", 8),
			PollInterval:      getEnvDuration("START_CACHE_POLL_INTERVAL", 200*time.Millisecond),
		},

		LLM: LLMConfig{
			Endpoint:       getEnv("LLM_ENDPOINT", "http://localhost:8090/v1/chat"),
			Model:          getEnv("LLM_MODEL", "default"),
			TimeoutSeconds: getEnvInt("LLM_TIMEOUT_SECONDS", 30),
			MaxRetries:     getEnvInt("LLM_MAX_RETRIES", 2),
			BackoffMinMS:   getEnvInt("LLM_RETRY_BACKOFF_MIN_MS", 250),
			BackoffMaxMS:   getEnvInt("LLM_RETRY_BACKOFF_MAX_MS", 1000),
			UseStub:        getEnvBool("LLM_USE_STUB", false),
		},

		Image: ImageConfig{
			EnableAIGeneration:      getEnvBool("ENABLE_AI_IMAGE_GENERATION", true),
			ConnectTimeoutSeconds:   getEnvInt("IMAGE_CONNECT_TIMEOUT_SECONDS", 8),
			FirstReadTimeoutSeconds: getEnvInt("IMAGE_FIRST_READ_TIMEOUT_SECONDS", 60),
			RetryReadTimeoutSeconds: getEnvInt("IMAGE_RETRY_READ_TIMEOUT_SECONDS", 30),
			MaxRetries:              getEnvInt("IMAGE_MAX_RETRIES", 1),
			LocalStorageDir:         getEnv("IMAGE_LOCAL_STORAGE_DIR", "./data/images"),
			LibraryImages:           defaultLibraryImages(),
		},

		Settle: SettlementConfig{
			MinNodes:      getEnvInt("MIN_NODES", 6),
			MaxNodes:      getEnvInt("MAX_NODES", 22),
			PassThreshold: getEnvInt("PASS_THRESHOLD", 80),
			FailThreshold: getEnvInt("FAIL_THRESHOLD", 90),
		},

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		},
	}
}

func defaultLibraryImages() []string {
	return []string{
		"/static/library/scene-01.jpg",
		"/static/library/scene-02.jpg",
		"/static/library/scene-03.jpg",
		"/static/library/scene-04.jpg",
		"/static/library/scene-05.jpg",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
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
	return out
}
