package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config aggregates every tunable of the relay process.
type Config struct {
	Server ServerConfig
	Relay  RelayConfig
	Log    LogConfig
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Relay: relay, Log: logCfg}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// RelayConfig bounds the room hub.
type RelayConfig struct {
	MaxRooms      int
	SweepInterval time.Duration
}

func loadRelayConfig() (RelayConfig, error) {
	maxRooms := 1024
	if override, err := parseOptionalIntEnv("SYNC_MAX_ROOMS"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return RelayConfig{}, fmt.Errorf("SYNC_MAX_ROOMS must be positive, got %d", *override)
		}
		maxRooms = *override
	}

	sweep := time.Minute
	if override, err := parseOptionalDurationEnv("SYNC_SWEEP_INTERVAL"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return RelayConfig{}, fmt.Errorf("SYNC_SWEEP_INTERVAL must be positive, got %v", *override)
		}
		sweep = *override
	}

	return RelayConfig{MaxRooms: maxRooms, SweepInterval: sweep}, nil
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() (LogConfig, error) {
	cfg := LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", cfg.Level, err)
	}
	if cfg.Format != "json" && cfg.Format != "console" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q (want json or console)", cfg.Format)
	}
	return cfg, nil
}

// NewLogger builds the process logger described by this config.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var zcfg zap.Config
	if c.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
