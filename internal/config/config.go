// Package config reads relay settings from the environment, after loading a
// .env file when one is present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Config struct {
	HTTPAddr        string
	DatabaseURL     string // empty disables the data store routes
	RedisAddr       string // empty keeps presence in memory
	RedisPassword   string
	RoomGracePeriod time.Duration
	AllowObservers  bool
	AllowedOrigins  []string
	LogLevel        string
	LogFormat       string
}

func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		RoomGracePeriod: 30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads .env files (missing ones are fine) and then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function and reports every bad value
// at once.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var errs error

	if v := getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.DatabaseURL = getenv("DATABASE_URL")
	cfg.RedisAddr = getenv("REDIS_ADDR")
	cfg.RedisPassword = getenv("REDIS_PASSWORD")

	if v := getenv("ROOM_GRACE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("ROOM_GRACE_PERIOD: %w", err))
		case d < 0:
			errs = multierr.Append(errs, fmt.Errorf("ROOM_GRACE_PERIOD: must not be negative, got %s", d))
		default:
			cfg.RoomGracePeriod = d
		}
	}

	if v := getenv("ALLOW_OBSERVERS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ALLOW_OBSERVERS: %w", err))
		}
		cfg.AllowObservers = b
	}

	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("LOG_LEVEL: unknown level %q", cfg.LogLevel))
	}

	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		errs = multierr.Append(errs, fmt.Errorf("LOG_FORMAT: want json or console, got %q", cfg.LogFormat))
	}

	if errs != nil {
		return Config{}, errs
	}
	return cfg, nil
}
