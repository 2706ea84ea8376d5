package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tabwarden service.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Browser launch (optional; otherwise an existing browser is used)
	LaunchBrowser bool
	ChromePath    string
	Headless      bool
	UserDataDir   string

	// API + logging
	BindAddr         string
	BindAutoFallback bool
	LogLevel         string
	LogFile          string

	// Tab event journal; empty dir disables it
	EventLogDir       string
	EventLogMaxSizeMB int

	// Navigation policy
	HomePageURL   string
	AllowedURLs   []string
	DeniedURLs    []string
	URLPolicyFile string

	// Tab and debugger timing
	SettleTimeoutMS    int
	BusyWaitAttempts   int
	BusyWaitIntervalMS int
	OperationWaitMS    int
	SettleDelayMS      int
	ProtocolVersion    string
	EvalTimeoutMS      int
}

// Load reads configuration from environment variables and optional .env file.
// When TABWARDEN_URL_POLICY_FILE is set its lists are appended to the ones
// from the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:         getEnvOrDefault("TABWARDEN_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("TABWARDEN_CDP_PORT", 9222),
		LaunchBrowser:      getEnvBoolOrDefault("TABWARDEN_LAUNCH_BROWSER", false),
		ChromePath:         getEnvOrDefault("TABWARDEN_CHROME_PATH", ""),
		Headless:           getEnvBoolOrDefault("TABWARDEN_HEADLESS", true),
		UserDataDir:        getEnvOrDefault("TABWARDEN_USER_DATA_DIR", ""),
		BindAddr:           getEnvOrDefault("TABWARDEN_BIND_ADDR", "127.0.0.1:8190"),
		BindAutoFallback:   getEnvBoolOrDefault("TABWARDEN_BIND_AUTO_FALLBACK", true),
		LogLevel:           strings.ToLower(getEnvOrDefault("TABWARDEN_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("TABWARDEN_LOG_FILE", "logs/tabwarden.log"),
		EventLogDir:        getEnvOrDefault("TABWARDEN_EVENT_LOG_DIR", ""),
		EventLogMaxSizeMB:  getEnvIntOrDefault("TABWARDEN_EVENT_LOG_MAX_SIZE_MB", 50),
		HomePageURL:        getEnvOrDefault("TABWARDEN_HOME_PAGE_URL", "about:blank"),
		AllowedURLs:        getEnvListOrDefault("TABWARDEN_ALLOWED_URLS", nil),
		DeniedURLs:         getEnvListOrDefault("TABWARDEN_DENIED_URLS", nil),
		URLPolicyFile:      getEnvOrDefault("TABWARDEN_URL_POLICY_FILE", ""),
		SettleTimeoutMS:    getEnvIntOrDefault("TABWARDEN_SETTLE_TIMEOUT_MS", 5000),
		BusyWaitAttempts:   getEnvIntOrDefault("TABWARDEN_BUSY_WAIT_ATTEMPTS", 20),
		BusyWaitIntervalMS: getEnvIntOrDefault("TABWARDEN_BUSY_WAIT_INTERVAL_MS", 250),
		OperationWaitMS:    getEnvIntOrDefault("TABWARDEN_OPERATION_WAIT_MS", 5000),
		SettleDelayMS:      getEnvIntOrDefault("TABWARDEN_SETTLE_DELAY_MS", 200),
		ProtocolVersion:    getEnvOrDefault("TABWARDEN_PROTOCOL_VERSION", "1.3"),
		EvalTimeoutMS:      getEnvIntOrDefault("TABWARDEN_EVAL_TIMEOUT_MS", 5000),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.BusyWaitAttempts < 1 {
		cfg.BusyWaitAttempts = 1
	}
	if cfg.SettleDelayMS < 0 {
		cfg.SettleDelayMS = 0
	}

	if cfg.URLPolicyFile != "" {
		lists, err := LoadURLPolicy(cfg.URLPolicyFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("url policy file not found, skipping", "path", cfg.URLPolicyFile)
		case err != nil:
			return nil, err
		default:
			cfg.AllowedURLs = append(cfg.AllowedURLs, lists.Allowed...)
			cfg.DeniedURLs = append(cfg.DeniedURLs, lists.Denied...)
		}
	}

	return cfg, nil
}

// CDPURL returns the browser's HTTP debugging endpoint.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutMS) * time.Millisecond
}

func (c *Config) BusyWaitInterval() time.Duration {
	return time.Duration(c.BusyWaitIntervalMS) * time.Millisecond
}

func (c *Config) OperationWait() time.Duration {
	return time.Duration(c.OperationWaitMS) * time.Millisecond
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated variable, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
