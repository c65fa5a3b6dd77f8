// Package main provides the one-shot schema-bootstrap entry point.
// It applies every idempotent DDL statement this runner depends on and
// exits; there is no stepwise migration chain to track.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/ascensum/gen-image-runner/internal/adapter/repo/postgres"
	"github.com/ascensum/gen-image-runner/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.ApplySchema(ctx, pool); err != nil {
		slog.Error("schema apply failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("schema applied")
}
