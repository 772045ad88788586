// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package store owns the PostgreSQL connection pool and the schema
// migrations.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Pool defaults.
const (
	DefaultMaxConns       = 10
	DefaultConnectRetries = 5
	DefaultConnectBackoff = 500 * time.Millisecond
)

// PoolConfig configures Connect.
type PoolConfig struct {
	// MaxConns caps the pool size. Defaults to DefaultMaxConns if zero.
	MaxConns int32

	// ConnectRetries is how many times the first ping is retried while the
	// database is still starting. Negative disables retries.
	ConnectRetries int

	// ConnectBackoff is the initial delay between ping attempts.
	ConnectBackoff time.Duration

	Logger *slog.Logger
}

// Connect opens a pool for databaseURL and waits until the database answers.
func Connect(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, oops.Code("DB_INVALID_CONFIG").Errorf("database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("DB_INVALID_CONFIG").With("operation", "parse database url").Wrap(err)
	}
	poolCfg.MaxConns = DefaultMaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = DefaultConnectRetries
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = DefaultConnectBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(cfg.ConnectRetries), retry.NewExponential(cfg.ConnectBackoff)) //nolint:gosec // non-negative
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "database not ready", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").
			With("operation", "ping").
			With("attempts", attempt).
			Wrap(err)
	}
	return pool, nil
}

// Pinger is anything that can report database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ready returns a readiness check that pings the database with timeout.
func Ready(p Pinger, timeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return oops.Code("DB_UNREACHABLE").Wrap(err)
		}
		return nil
	}
}
