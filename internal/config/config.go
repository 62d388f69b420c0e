// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, Load returns an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the run service.
type Config struct {
	Port        string
	GRPCPort    string
	StoreDriver string // "postgres" or "memory"
	DatabaseURL string
	RedisURL    string

	GeneratorProvider string // "openai" or "gemini"
	OpenAIAPIKey      string
	OpenAIModel       string
	GeminiAPIKey      string
	GeminiModel       string

	GenerationTimeout time.Duration
	FetchTimeout      time.Duration
	SubmitTimeout     time.Duration

	WatchdogIntervalMinutes int
	StaleAfter              time.Duration
	DispatchPollInterval    time.Duration

	LogLevel  string
	LogFormat string
}

// LoadDotEnv reads a .env file when one is present. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	driver := getEnv("STORE_DRIVER", "postgres")
	if driver != "postgres" && driver != "memory" {
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", driver)
	}

	dbURL := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")
	if driver == "postgres" {
		if dbURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		if redisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required")
		}
	}

	provider := getEnv("GENERATOR_PROVIDER", "openai")
	switch provider {
	case "openai", "gemini":
	default:
		return nil, fmt.Errorf("GENERATOR_PROVIDER must be openai or gemini, got %q", provider)
	}

	interval, err := getEnvAsInt("WATCHDOG_INTERVAL_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	if interval < 1 {
		return nil, fmt.Errorf("WATCHDOG_INTERVAL_MINUTES must be a positive integer, got %d", interval)
	}

	cfg := &Config{
		Port:                    getEnv("RUNNER_PORT", "8083"),
		GRPCPort:                getEnv("GRPC_PORT", "9093"),
		StoreDriver:             driver,
		DatabaseURL:             dbURL,
		RedisURL:                redisURL,
		GeneratorProvider:       provider,
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:             getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:            os.Getenv("GEMINI_API_KEY"),
		GeminiModel:             getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		WatchdogIntervalMinutes: interval,
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"GENERATION_TIMEOUT", 90 * time.Second, &cfg.GenerationTimeout},
		{"FETCH_TIMEOUT", 15 * time.Second, &cfg.FetchTimeout},
		{"SUBMIT_TIMEOUT", 30 * time.Second, &cfg.SubmitTimeout},
		{"STALE_AFTER", 10 * time.Minute, &cfg.StaleAfter},
		{"DISPATCH_POLL_INTERVAL", 250 * time.Millisecond, &cfg.DispatchPollInterval},
	}
	for _, d := range durations {
		v, err := getEnvAsDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dest = v
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, s)
	}
	return v, nil
}

func getEnvAsDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, s)
	}
	return v, nil
}
