package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"spcstream-backend/internal/config"
	"spcstream-backend/internal/storage"
)

const ensureLedger = `CREATE TABLE IF NOT EXISTS schema_migrations (
	name text PRIMARY KEY,
	applied_at timestamptz NOT NULL DEFAULT now()
)`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	ctx := context.Background()
	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	if _, err := store.Pool.Exec(ctx, ensureLedger); err != nil {
		logger.Error("failed to create migration ledger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		logger.Error("failed to list migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(files) == 0 {
		logger.Warn("no migrations found", slog.String("dir", dir))
		return
	}
	sort.Strings(files)
	applied := 0
	for _, file := range files {
		name := filepath.Base(file)
		var done bool
		if err := store.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&done); err != nil {
			logger.Error("failed to check migration", slog.String("file", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if done {
			continue
		}
		content, err := os.ReadFile(file)
		if err != nil {
			logger.Error("failed to read migration", slog.String("file", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		tx, err := store.Pool.Begin(ctx)
		if err != nil {
			logger.Error("failed to begin migration", slog.String("file", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			logger.Error("failed to apply migration", slog.String("file", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			logger.Error("failed to record migration", slog.String("file", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := tx.Commit(ctx); err != nil {
			logger.Error("failed to commit migration", slog.String("file", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		applied++
		logger.Info("applied migration", slog.String("file", name))
	}
	logger.Info("migrations complete", slog.Int("applied", applied), slog.Int("total", len(files)))
}
