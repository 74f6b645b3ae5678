package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/astromechza/teamsync/pkg/logging"
)

type Config struct {
	Env      string
	LogLevel string
	Addr     string
	NodeID   int64
	Conn     ConnConfig
	Archive  ArchiveConfig
	// keep members on the roster after their last connection goes away
	RetainMembers bool
}

type ConnConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
}

type ArchiveConfig struct {
	Path     string
	Interval time.Duration
}

// Load reads configuration from the environment, after loading a .env file from the working
// directory when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:      getEnv("TEAMSYNC_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", ""),
		Addr:     getEnv("ADDR", ":8000"),
		NodeID:   getEnvInt64("NODE_ID", 1),
		Conn: ConnConfig{
			SendQueueSize: getEnvInt("SEND_QUEUE_SIZE", 256),
			WriteTimeout:  getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
			PingInterval:  getEnvDuration("PING_INTERVAL", 30*time.Second),
			MaxFrameBytes: getEnvInt64("MAX_FRAME_BYTES", 64*1024),
		},
		Archive: ArchiveConfig{
			Path:     getEnv("ARCHIVE_PATH", ""),
			Interval: getEnvDuration("ARCHIVE_INTERVAL", 5*time.Second),
		},
		RetainMembers: getEnvBool("RETAIN_MEMBERS", false),
	}

	if cfg.NodeID < 0 || cfg.NodeID > 1023 {
		return Config{}, fmt.Errorf("NODE_ID must be between 0 and 1023, got %d", cfg.NodeID)
	}
	if cfg.Conn.SendQueueSize <= 0 {
		cfg.Conn.SendQueueSize = 256
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Level is the configured log level, debug in development and info elsewhere unless LOG_LEVEL says
// otherwise.
func (c Config) Level() slog.Level {
	fallback := slog.LevelInfo
	if c.IsDevelopment() {
		fallback = slog.LevelDebug
	}
	return logging.ParseLevel(c.LogLevel, fallback)
}

func (c ArchiveConfig) Enabled() bool {
	return c.Path != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
