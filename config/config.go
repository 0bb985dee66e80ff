package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creastat/taskflow"
	"github.com/joho/godotenv"
)

// Config holds the runtime settings of the task bot.
type Config struct {
	TelegramToken string
	BotUsername   string

	Store        string // "memory" or "redis"
	RedisURL     string
	SessionTTL   time.Duration
	TaskTTL      time.Duration
	StoreTimeout time.Duration
	StoreRetries int

	InferenceBackend string // "http" or "ollama"
	HFAPIURL         string
	HFAPIToken       string
	OllamaHost       string
	OllamaModel      string
	InferenceTimeout time.Duration
	HFRetries        int
	MaxImages        int
	MaxPromptLen     int
	MaxSubmissions   int
	StaleAfter       time.Duration

	HTTPAddr string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	SupabaseURL string
	SupabaseKey string

	OTelExporter string
	OTelEndpoint string
	OTelInsecure bool

	LogLevel string
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv reads the configuration from environment variables.
func FromEnv() Config {
	redisURL := getenv("UPSTASH_REDIS_URL", getenv("REDIS_URL", ""))
	store := "memory"
	if redisURL != "" {
		store = "redis"
	}

	addr := getenv("HTTP_ADDR", "")
	if addr == "" {
		addr = ":" + getenv("PORT", "8080")
	}

	return Config{
		TelegramToken: getenv("TELEGRAM_TOKEN", ""),
		BotUsername:   getenv("BOT_USERNAME", ""),

		Store:        strings.ToLower(getenv("STORE", store)),
		RedisURL:     redisURL,
		SessionTTL:   getenvDuration("REDIS_TTL", 900*time.Second),
		TaskTTL:      getenvDuration("TASK_TTL", 24*time.Hour),
		StoreTimeout: getenvDuration("STORE_TIMEOUT", 3*time.Second),
		StoreRetries: getenvInt("STORE_RETRIES", 3),

		InferenceBackend: strings.ToLower(getenv("INFERENCE_BACKEND", "http")),
		HFAPIURL:         getenv("HF_API_URL", ""),
		HFAPIToken:       getenv("HF_API_TOKEN", ""),
		OllamaHost:       getenv("OLLAMA_HOST", ""),
		OllamaModel:      getenv("OLLAMA_MODEL", ""),
		InferenceTimeout: getenvDuration("INFERENCE_TIMEOUT", 180*time.Second),
		HFRetries:        getenvInt("HF_RETRIES", 2),
		MaxImages:        getenvInt("MAX_IMAGES", taskflow.DefaultMaxImages),
		MaxPromptLen:     getenvInt("MAX_PROMPT_LEN", taskflow.DefaultMaxPromptLen),
		MaxSubmissions:   getenvInt("MAX_SUBMISSIONS", 3),
		StaleAfter:       getenvDuration("SUBMISSION_STALE_AFTER", 10*time.Minute),

		HTTPAddr: addr,

		MinIOEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getenv("MINIO_BUCKET", "taskflow-documents"),
		MinIOUseSSL:    getenvBool("MINIO_USE_SSL", false),

		SupabaseURL: getenv("SUPABASE_URL", ""),
		SupabaseKey: getenv("SUPABASE_KEY", ""),

		OTelExporter: strings.ToLower(getenv("OTEL_EXPORTER", "none")),
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelInsecure: getenvBool("OTEL_EXPORTER_OTLP_INSECURE", false),

		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.TelegramToken == "":
		return invalid("TELEGRAM_TOKEN is required")
	case c.Store != "memory" && c.Store != "redis":
		return invalid("STORE must be memory or redis, got %q", c.Store)
	case c.Store == "redis" && c.RedisURL == "":
		return invalid("REDIS_URL is required for the redis store")
	case c.InferenceBackend != "http" && c.InferenceBackend != "ollama":
		return invalid("INFERENCE_BACKEND must be http or ollama, got %q", c.InferenceBackend)
	case c.InferenceBackend == "http" && c.HFAPIURL == "":
		return invalid("HF_API_URL is required for the http backend")
	case c.InferenceTimeout <= 0:
		return invalid("INFERENCE_TIMEOUT must be positive")
	case c.HFRetries < 0:
		return invalid("HF_RETRIES must not be negative")
	case c.MaxImages <= 0 || c.MaxPromptLen <= 0:
		return invalid("MAX_IMAGES and MAX_PROMPT_LEN must be positive")
	case c.SessionTTL <= 0 || c.TaskTTL <= 0:
		return invalid("REDIS_TTL and TASK_TTL must be positive")
	case (c.SupabaseURL == "") != (c.SupabaseKey == ""):
		return invalid("SUPABASE_URL and SUPABASE_KEY must be set together")
	case c.OTelExporter != "none" && c.OTelExporter != "stdout" && c.OTelExporter != "otlphttp":
		return invalid("OTEL_EXPORTER must be none, stdout or otlphttp, got %q", c.OTelExporter)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{taskflow.ErrInvalidConfig}, args...)...)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// getenvDuration accepts Go durations ("90s") or plain seconds ("90").
func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
