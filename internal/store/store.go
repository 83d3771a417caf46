// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package store owns the PostgreSQL schema and connection pool shared by
// the invitation and audit storage layers.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// CodeConnectFailed is returned when the database cannot be reached.
const CodeConnectFailed = "DB_CONNECT_FAILED"

// PoolOptions tunes Open.
type PoolOptions struct {
	MaxConns     int32
	PingAttempts uint64
	PingBackoff  time.Duration
}

// DefaultPoolOptions returns the options used by the CLI.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:     10,
		PingAttempts: 5,
		PingBackoff:  200 * time.Millisecond,
	}
}

// Open creates a pgx pool for databaseURL and waits until the server
// answers a ping.
func Open(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code(CodeConnectFailed).With("operation", "parse database url").Wrap(err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code(CodeConnectFailed).With("operation", "create pool").Wrap(err)
	}

	backoff := retry.WithMaxRetries(opts.PingAttempts, retry.NewExponential(opts.PingBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code(CodeConnectFailed).With("operation", "ping").Wrap(err)
	}
	return pool, nil
}
