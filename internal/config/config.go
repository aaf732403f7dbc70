package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the daemon's ambient settings (§SPEC_FULL A). All fields have
// defaults; nothing is required.
//
// cmd/sshbridged uses ConfigDir, LogLevel and LogFormat. PoolTTL, ShareTTL,
// MaxFrame, ReadyTimeout and KeepaliveInterval are loaded and can be set by
// flag, but they are not passed on: the pool, the frame decoder and the SSH
// adapter use their own fixed values (pool.KeepTTL, pool.ShareTTL,
// protocol.DefaultMaxPayload, sshadapter.DialTimeout,
// sshadapter.KeepaliveInterval).
type Config struct {
	ConfigDir string

	LogLevel  string
	LogFormat string

	PoolTTL  time.Duration
	ShareTTL time.Duration
	MaxFrame int

	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
}

// Load reads a `.env` file if present, then environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	cfg := &Config{
		ConfigDir:         getEnv("SSHBRIDGE_CONFIG_DIR", filepath.Join(home, ".ssh-bridge")),
		LogLevel:          getEnv("SSHBRIDGE_LOG_LEVEL", "info"),
		LogFormat:         getEnv("SSHBRIDGE_LOG_FORMAT", "json"),
		PoolTTL:           getEnvAsDuration("SSHBRIDGE_POOL_TTL", 12*time.Hour),
		ShareTTL:          getEnvAsDuration("SSHBRIDGE_SHARE_TTL", 5*time.Second),
		MaxFrame:          getEnvAsInt("SSHBRIDGE_MAX_FRAME", 16*1024*1024),
		ReadyTimeout:      getEnvAsDuration("SSHBRIDGE_READY_TIMEOUT", 10*time.Second),
		KeepaliveInterval: getEnvAsDuration("SSHBRIDGE_KEEPALIVE_INTERVAL", 10*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return defaultValue
}
