// Package config loads server configuration from the environment.
//
// HOW CONFIG IS LOADED:
//  1. godotenv reads a .env file if there is one (local development).
//  2. go-simpler.org/env fills the Config struct from its `env` tags,
//     using the `default` tag when a variable is unset.
//  3. validate() rejects combinations the server cannot start with.
//
// Secrets never have defaults. A server that silently signs tokens with a
// well-known key is worse than one that refuses to start.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MinSecretLength applies to JWT_SECRET and SESSION_SECRET.
const MinSecretLength = 32

type Config struct {
	Addr    string `env:"ADDR" default:":8080"`
	BaseURL string `env:"BASE_URL" default:"http://localhost:8080"`

	DBDriver    string `env:"DB_DRIVER" default:"sqlite"`
	DBPath      string `env:"DB_PATH" default:"data/notify.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	// RedisURL is optional. Without it identity events only reach
	// subscribers in this process.
	RedisURL string `env:"REDIS_URL"`

	JWTSecret     string        `env:"JWT_SECRET"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" default:"24h"`
	SessionSecret string        `env:"SESSION_SECRET"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"168h"`

	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GitHubCallbackURL  string `env:"GITHUB_CALLBACK_URL"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// KeyRateLimit is the sustained number of key generations per minute
	// allowed for one user; KeyRateBurst is the bucket size.
	KeyRateLimit float64 `env:"KEY_RATE_LIMIT" default:"6"`
	KeyRateBurst int     `env:"KEY_RATE_BURST" default:"3"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}
	if cfg.GitHubCallbackURL == "" {
		cfg.GitHubCallbackURL = strings.TrimRight(cfg.BaseURL, "/") + "/auth/github/callback"
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.DBDriver {
	case DriverSQLite:
		if cfg.DBPath == "" {
			return errors.New("DB_PATH is required when DB_DRIVER=sqlite")
		}
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.DBDriver)
	}

	secrets := []struct{ name, value string }{
		{"JWT_SECRET", cfg.JWTSecret},
		{"SESSION_SECRET", cfg.SessionSecret},
	}
	for _, s := range secrets {
		if s.value == "" {
			return fmt.Errorf("%s is required", s.name)
		}
		if len(s.value) < MinSecretLength {
			return fmt.Errorf("%s must be at least %d characters", s.name, MinSecretLength)
		}
	}

	// GitHub login is all-or-nothing.
	if (cfg.GitHubClientID == "") != (cfg.GitHubClientSecret == "") {
		return errors.New("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET must be set together")
	}

	if cfg.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if cfg.SessionMaxAge <= 0 {
		return errors.New("SESSION_MAX_AGE must be positive")
	}
	if cfg.KeyRateLimit <= 0 || cfg.KeyRateBurst < 1 {
		return errors.New("KEY_RATE_LIMIT must be positive and KEY_RATE_BURST at least 1")
	}

	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	return nil
}

// Secure reports whether cookies should carry the Secure flag.
func (c *Config) Secure() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// GitHubEnabled reports whether GitHub sign-in is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != ""
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
	return l, nil
}

// NewLogger builds the process logger described by LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
