package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	RedisURL        string
	DatabaseURL     string
	MigrationsDir   string
	ArchiveDir      string
	CORSOrigin      string
	KeyPrefix       string
	DefaultRundown  string
	TemplateFile    string
	LogLevel        string
	LogFormat       string
	Heartbeat       time.Duration
	PresenceWindow  time.Duration
	SessionTTL      time.Duration
	UndoCapacity    int
	HistoryLimit    int
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// Load reads the environment, after loading a .env file if one is present
// in the working directory. Variables already set are not overridden.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment without touching .env files.
func FromEnv() Config {
	return Config{
		Addr:            getenv("API_ADDR", ":8787"),
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		MigrationsDir:   getenv("CUESHEET_MIGRATIONS_DIR", "./db/migrations"),
		ArchiveDir:      getenv("CUESHEET_ARCHIVE_DIR", "./data/archive"),
		CORSOrigin:      getenv("CUESHEET_CORS_ORIGIN", "*"),
		KeyPrefix:       getenv("CUESHEET_KEY_PREFIX", "cuesheet:"),
		DefaultRundown:  getenv("CUESHEET_DEFAULT_RUNDOWN", "main"),
		TemplateFile:    getenv("CUESHEET_TEMPLATE_FILE", ""),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "json"),
		Heartbeat:       getenvSeconds("CUESHEET_HEARTBEAT_SECONDS", 30),
		PresenceWindow:  getenvSeconds("CUESHEET_PRESENCE_WINDOW_SECONDS", 120),
		SessionTTL:      getenvSeconds("CUESHEET_SESSION_TTL_SECONDS", 43200),
		UndoCapacity:    getenvInt("CUESHEET_UNDO_CAPACITY", 25),
		HistoryLimit:    getenvInt("CUESHEET_HISTORY_LIMIT", 100),
		RateLimitRPS:    getenvFloat("CUESHEET_RATE_LIMIT_RPS", 20),
		RateLimitBurst:  getenvInt("CUESHEET_RATE_LIMIT_BURST", 40),
		ShutdownTimeout: getenvSeconds("CUESHEET_SHUTDOWN_SECONDS", 10),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getenvInt(key, fallback)) * time.Second
}
