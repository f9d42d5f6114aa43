package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

// connectRetryWindow bounds how long startup keeps retrying the first ping
const connectRetryWindow = 20 * time.Second

// NewPool creates a new PostgreSQL connection pool. The first ping is retried
// with exponential backoff and, when migrate is set, the schema is applied.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string, migrate bool) (*pgxpool.Pool, error) {
	logger.Info("initializing database connection pool")

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to database...")
			if err := Ping(ctx, pool, logger); err != nil {
				logger.Error("database ping failed", zap.Error(err), zap.String("url", maskPassword(databaseURL)))
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach database. Please check: 1) Database is running, 2) DATABASE_URL is correct, 3) Network/firewall allows connection. Error: %w", err)
			}
			logger.Info("database connection established successfully")

			if migrate {
				if err := Migrate(ctx, pool); err != nil {
					return err
				}
				logger.Info("database schema is up to date")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("database connection closed")
			return nil
		},
	})

	return pool, nil
}

// Ping pings the pool until it answers, the retry window elapses or ctx ends
func Ping(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = connectRetryWindow

	return backoff.RetryNotify(
		func() error { return pool.Ping(ctx) },
		backoff.WithContext(bo, ctx),
		func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		},
	)
}

// maskPassword masks the password in database URL for logging
func maskPassword(databaseURL string) string {
	if databaseURL == "" {
		return "<empty>"
	}
	u, err := url.Parse(databaseURL)
	if err != nil || u.User == nil {
		return databaseURL
	}
	if _, ok := u.User.Password(); !ok {
		return databaseURL
	}
	// splice the mask into the raw string; url.UserPassword would escape it
	scheme := strings.Index(databaseURL, "://")
	if scheme < 0 {
		return databaseURL
	}
	scheme += len("://")
	authority := databaseURL[scheme:]
	if slash := strings.Index(authority, "/"); slash >= 0 {
		authority = authority[:slash]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return databaseURL
	}
	colon := strings.Index(authority[:at], ":")
	if colon < 0 {
		return databaseURL
	}
	authority = databaseURL[scheme:]
	return databaseURL[:scheme] + authority[:colon+1] + "***" + authority[at:]
}
