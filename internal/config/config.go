package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	Sources          SourceConfig
	WS               WebsocketConfig
}

// SourceConfig locates the kernel interfaces the GPU monitors read from.
type SourceConfig struct {
	SysfsRoot  string
	ProcRoot   string
	EnableNVML bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		SampleInterval: time.Second,
		AllowedOrigins: []string{"*"},
		LogLevel:       slog.LevelInfo,
		Sources: SourceConfig{
			SysfsRoot:  "/sys",
			ProcRoot:   "/proc",
			EnableNVML: true,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Default()

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}
	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}
	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}
	if value := env("APP_SYSFS_ROOT"); value != "" {
		cfg.Sources.SysfsRoot = value
	}
	if value := env("APP_PROC_ROOT"); value != "" {
		cfg.Sources.ProcRoot = value
	}

	steps := []func() error{
		func() error { return positiveDuration("APP_SAMPLE_INTERVAL", &cfg.SampleInterval) },
		func() error { return boolean("APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus) },
		func() error { return boolean("APP_ENABLE_PPROF", &cfg.EnablePprof) },
		func() error { return boolean("APP_NVML_ENABLE", &cfg.Sources.EnableNVML) },
		func() error { return positiveInt("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients) },
		func() error { return positiveDuration("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout) },
		func() error { return positiveDuration("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func positiveDuration(key string, dst *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func positiveInt(key string, dst *int) error {
	value := env(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = parsed
	return nil
}

func boolean(key string, dst *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func splitAndTrim(value, sep string) []string {
	var out []string
	for _, item := range strings.Split(value, sep) {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(input))); err != nil {
		if strings.EqualFold(strings.TrimSpace(input), "warning") {
			return slog.LevelWarn, nil
		}
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
	return level, nil
}
