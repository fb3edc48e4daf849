// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxUploadBytes     int64
	AllowedExtensions  []string // Lowercase, each with its leading dot.
	CORSAllowedOrigins []string

	// Artifact storage.
	StorageBackend string // "fs" or "badger"
	StorageDir     string

	// Status tracking.
	StatusBackend string // "memory", "sqlite" or "postgres"
	SQLitePath    string
	DatabaseURL   string // Required when StatusBackend is "postgres".

	// Job dispatch.
	DispatchMode    string // "inline" or "pool"
	Workers         int
	QueueSize       int
	AnalysisTimeout time.Duration

	// Analysis engine.
	Engine string // "auto", "radare2" or "fallback"
	R2Path string

	// Explanation generator. An empty key disables generation.
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	OpenAIMaxTokens   int
	OpenAITemperature float64
	OpenAITimeout     time.Duration
	SystemPrompt      string

	// Upload rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are collected and reported together.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("KAISEKI_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KAISEKI_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KAISEKI_WRITE_TIMEOUT", 120*time.Second)
	collect(err)
	cfg.MaxUploadBytes, err = envInt64("KAISEKI_MAX_UPLOAD_BYTES", 50*1024*1024)
	collect(err)
	cfg.AllowedExtensions = normalizeExtensions(envList("KAISEKI_ALLOWED_EXTENSIONS", ".exe,.elf,.so"))
	cfg.CORSAllowedOrigins = envList("KAISEKI_CORS_ALLOWED_ORIGINS", "")

	cfg.StorageBackend = envStr("KAISEKI_STORAGE_BACKEND", "fs")
	cfg.StorageDir = envStr("KAISEKI_STORAGE_DIR", "storage")

	cfg.StatusBackend = envStr("KAISEKI_STATUS_BACKEND", "memory")
	cfg.SQLitePath = envStr("KAISEKI_SQLITE_PATH", "storage/status.db")
	cfg.DatabaseURL = envStr("DATABASE_URL", "")

	cfg.DispatchMode = envStr("KAISEKI_DISPATCH_MODE", "pool")
	cfg.Workers, err = envInt("KAISEKI_WORKERS", 4)
	collect(err)
	cfg.QueueSize, err = envInt("KAISEKI_QUEUE_SIZE", 64)
	collect(err)
	cfg.AnalysisTimeout, err = envDuration("KAISEKI_ANALYSIS_TIMEOUT", 10*time.Minute)
	collect(err)

	cfg.Engine = envStr("KAISEKI_ENGINE", "auto")
	cfg.R2Path = envStr("KAISEKI_R2_PATH", "r2")

	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", "")
	cfg.OpenAIModel = envStr("OPENAI_MODEL", "gpt-5")
	cfg.OpenAIBaseURL = envStr("OPENAI_BASE_URL", "https://api.openai.com/v1")
	cfg.OpenAIMaxTokens, err = envInt("OPENAI_MAX_TOKENS", 2000)
	collect(err)
	cfg.OpenAITemperature, err = envFloat("OPENAI_TEMPERATURE", 0)
	collect(err)
	cfg.OpenAITimeout, err = envDuration("OPENAI_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.SystemPrompt = envStr("KAISEKI_SYSTEM_PROMPT", "")

	cfg.RateLimitEnabled, err = envBool("KAISEKI_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("KAISEKI_RATE_LIMIT_RPS", 5)
	collect(err)
	cfg.RateLimitBurst, err = envInt("KAISEKI_RATE_LIMIT_BURST", 20)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "kaiseki")
	cfg.OTELInsecure, err = envBool("KAISEKI_OTEL_INSECURE", false)
	collect(err)

	cfg.LogLevel = envStr("KAISEKI_LOG_LEVEL", "info")

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KAISEKI_PORT must be in [0, 65535], got %d", c.Port))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("KAISEKI_MAX_UPLOAD_BYTES must be positive"))
	}
	if len(c.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("KAISEKI_ALLOWED_EXTENSIONS must name at least one extension"))
	}
	switch c.StorageBackend {
	case "fs", "badger":
	default:
		errs = append(errs, fmt.Errorf("KAISEKI_STORAGE_BACKEND must be fs or badger, got %q", c.StorageBackend))
	}
	switch c.StatusBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when KAISEKI_STATUS_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("KAISEKI_STATUS_BACKEND must be memory, sqlite or postgres, got %q", c.StatusBackend))
	}
	switch c.DispatchMode {
	case "inline":
	case "pool":
		if c.Workers <= 0 {
			errs = append(errs, errors.New("KAISEKI_WORKERS must be positive"))
		}
		if c.QueueSize <= 0 {
			errs = append(errs, errors.New("KAISEKI_QUEUE_SIZE must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("KAISEKI_DISPATCH_MODE must be inline or pool, got %q", c.DispatchMode))
	}
	switch c.Engine {
	case "auto", "radare2", "fallback":
	default:
		errs = append(errs, fmt.Errorf("KAISEKI_ENGINE must be auto, radare2 or fallback, got %q", c.Engine))
	}
	if c.AnalysisTimeout < 0 {
		errs = append(errs, errors.New("KAISEKI_ANALYSIS_TIMEOUT must not be negative"))
	}
	if c.OpenAIMaxTokens <= 0 {
		errs = append(errs, errors.New("OPENAI_MAX_TOKENS must be positive"))
	}
	if c.OpenAITemperature < 0 || c.OpenAITemperature > 2 {
		errs = append(errs, fmt.Errorf("OPENAI_TEMPERATURE must be in [0, 2], got %g", c.OpenAITemperature))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("KAISEKI_RATE_LIMIT_RPS and KAISEKI_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated value, dropping blanks.
func envList(key, defaultVal string) []string {
	var out []string
	for _, part := range strings.Split(envStr(key, defaultVal), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
