// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package postgres implements the invitation Source and Writer on
// PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// Pool is the subset of *pgxpool.Pool used here; pgxmock implements it too.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Default retry budget for transient read failures.
const (
	defaultRetryBase = 25 * time.Millisecond
	defaultRetries   = 3
)

// isTransient reports whether err is worth retrying: connection loss,
// serialization failures, deadlocks and server restarts.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) ||
			pgErr.Code == pgerrcode.TooManyConnections
	}
	return pgconn.SafeToRetry(err)
}

// withRetry runs fn, retrying transient failures with exponential backoff.
func withRetry(ctx context.Context, retries uint64, base time.Duration, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(retries, retry.NewExponential(base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
