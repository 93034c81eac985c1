package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Schema DDL is idempotent so restarts and horizontally scaled instances
// can all run it. Migrations proper live with the deployment tooling; this
// keeps a fresh dev/e2e database usable without them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS platform_connections (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		access_token_ciphertext TEXT,
		refresh_token_ciphertext TEXT,
		expires_at TIMESTAMPTZ,
		provider_user_id TEXT,
		scopes TEXT[],
		last_error TEXT,
		connected_at TIMESTAMPTZ,
		disconnected_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, platform)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_platform_connections_expiry
		ON platform_connections (expires_at)
		WHERE status = 'connected'`,
	`CREATE INDEX IF NOT EXISTS idx_platform_connections_provider
		ON platform_connections (platform, provider_user_id)`,
	`CREATE TABLE IF NOT EXISTS refresh_runs (
		id BIGINT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		checked INT NOT NULL,
		refreshed INT NOT NULL,
		failed INT NOT NULL,
		error_summary TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id BIGINT PRIMARY KEY,
		platform TEXT NOT NULL,
		provider_user_id TEXT,
		resource_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (platform, resource_id, event_type)
	)`,
}

// EnsureSchema creates the service tables on startup if they are missing.
func EnsureSchema(lc fx.Lifecycle, pool *pgxpool.Pool, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureSchema(ctx, pool, logger)
		},
	})
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if logger != nil {
		logger.Info("schema ensured")
	}
	return nil
}
