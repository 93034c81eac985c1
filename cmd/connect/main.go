package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/twinsight/connect/internal/adapter/cache"
	provideradapter "github.com/twinsight/connect/internal/adapter/provider"
	"github.com/twinsight/connect/internal/bootstrap"
	"github.com/twinsight/connect/internal/config"
	httptransport "github.com/twinsight/connect/internal/http"
	"github.com/twinsight/connect/internal/http/handler"
	"github.com/twinsight/connect/internal/middleware"
	"github.com/twinsight/connect/internal/platform"
	"github.com/twinsight/connect/internal/repository"
	"github.com/twinsight/connect/internal/server"
	"github.com/twinsight/connect/internal/service/authflow"
	"github.com/twinsight/connect/internal/service/refresher"
	"github.com/twinsight/connect/internal/service/webhook"
	"github.com/twinsight/connect/internal/telemetry"
	"github.com/twinsight/connect/internal/vault"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newVault,
			newCatalog,
			newConnectionRepository,
			newRefreshRunRepository,
			newWebhookEventRepository,
			newStateStore,
			newProviderClient,
			newRateLimit,
			authflow.New,
			refresher.New,
			webhook.New,
			handler.NewConnectHandler,
			handler.NewRefreshHandler,
			handler.NewWebhookHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSchema, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newVault(cfg config.Config) (*vault.Vault, error) {
	return vault.New(cfg.TokenVaultKey)
}

func newCatalog(cfg config.Config, logger *zap.Logger) (*platform.Catalog, error) {
	catalog, err := platform.Load(cfg.PlatformsFile)
	if err != nil {
		return nil, fmt.Errorf("load platform catalog: %w", err)
	}
	logger.Info("platform catalog loaded", zap.Strings("platforms", catalog.Names()))
	return catalog, nil
}

func newConnectionRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.ConnectionRepository {
	return repository.NewPostgresConnectionRepo(pool, node)
}

func newRefreshRunRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.RefreshRunRepository {
	return repository.NewPostgresRefreshRunRepo(pool, node)
}

func newWebhookEventRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.WebhookEventRepository {
	return repository.NewPostgresWebhookEventRepo(pool, node)
}

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newProviderClient() provideradapter.Client {
	return provideradapter.NewHTTPClient(nil)
}

func newRateLimit(cfg config.Config) *middleware.RateLimit {
	return middleware.NewRateLimit(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
