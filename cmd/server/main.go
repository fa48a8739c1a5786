// Package main is the entry point for the discord-notify server.
//
// MAIN PACKAGE IN GO:
// Every Go program starts execution in the main() function of the "main" package.
// The main package should be kept minimal. Its job is to:
// 1. Read configuration (internal/config: .env file + environment)
// 2. Open the resources the process owns (database, Redis)
// 3. Hand them to the server and start it
//
// All actual logic lives in imported packages (internal/server, internal/handler, etc.).
//
// WHY cmd/server/?
// The cmd/ directory is a Go convention for executable entry points.
// This project has two: cmd/server (this file) and cmd/notifyctl (the CLI).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/discord-notify/internal/config"
	"github.com/sakif/discord-notify/internal/handler"
	"github.com/sakif/discord-notify/internal/identity"
	"github.com/sakif/discord-notify/internal/repository"
	"github.com/sakif/discord-notify/internal/repository/postgres"
	"github.com/sakif/discord-notify/internal/repository/sqlite"
	"github.com/sakif/discord-notify/internal/server"
)

// store is what both repository backends provide.
type store interface {
	repository.UserRepository
	repository.SettingsRepository
	Ping() error
	Close() error
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// === 1. CONFIGURATION AND LOGGING ===
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	// === 2. DATABASE ===
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	checks := map[string]handler.Pinger{
		"db": handler.PingerFunc(func(context.Context) error { return db.Ping() }),
	}

	// === 3. IDENTITY FEED ===
	// With REDIS_URL every instance sees every sign-in and sign-out.
	// Without it, events stay inside this process, which is enough for a
	// single instance.
	var feed identity.Feed
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := identity.OpenRedis(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return err
		}
		defer rdb.Close()
		feed = identity.NewRedisFeed(rdb, logger)
		checks["redis"] = handler.PingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info("identity feed: redis")
	} else {
		feed = identity.NewHub()
		logger.Info("identity feed: in-process (set REDIS_URL to share across instances)")
	}

	// === 4. SERVER ===
	srv, err := server.New(cfg, server.Deps{
		Users:    db,
		Settings: db,
		Feed:     feed,
		Checks:   checks,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	return srv.Start()
}

func openStore(cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return postgres.Open(cfg.DatabaseURL)
	default:
		// os.MkdirAll creates all parent directories if needed (like `mkdir -p`).
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		return sqlite.New(cfg.DBPath)
	}
}
