// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

const auditTable = "policy_audit_log"

var auditColumns = []string{
	"id", "registry", "stage", "operator", "allowed", "faulted",
	"reasons", "policy_ids", "duration_us", "created_at",
}

// Pool is the subset of *pgxpool.Pool the PostgresWriter needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// PostgresWriter implements Writer for PostgreSQL. Async entries are
// batched and flushed with COPY.
type PostgresWriter struct {
	pool        Pool
	asyncChan   chan Entry
	stopChan    chan struct{}
	wg          sync.WaitGroup
	batchSize   int
	flushPeriod time.Duration
}

// PostgresOption configures a PostgresWriter.
type PostgresOption func(*PostgresWriter)

// WithBatch overrides the batch size and flush period.
func WithBatch(size int, period time.Duration) PostgresOption {
	return func(w *PostgresWriter) {
		w.batchSize = size
		w.flushPeriod = period
	}
}

// NewPostgresWriter creates a PostgresWriter on pool.
func NewPostgresWriter(pool Pool, opts ...PostgresOption) *PostgresWriter {
	w := &PostgresWriter{
		pool:        pool,
		asyncChan:   make(chan Entry, asyncBuffer),
		stopChan:    make(chan struct{}),
		batchSize:   100,
		flushPeriod: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.batchConsumer()

	return w
}

// WriteSync performs a synchronous insert.
func (w *PostgresWriter) WriteSync(ctx context.Context, entry Entry) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO policy_audit_log (
			id, registry, stage, operator, allowed, faulted,
			reasons, policy_ids, duration_us, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		row(entry)...,
	)
	if err != nil {
		return oops.With("entry_id", entry.ID, "registry", entry.Registry).Wrap(err)
	}
	return nil
}

// WriteAsync queues an entry for batch writing.
func (w *PostgresWriter) WriteAsync(entry Entry) error {
	select {
	case w.asyncChan <- entry:
		return nil
	default:
		channelFullCounter.Inc()
		return oops.With("entry_id", entry.ID).Errorf("async channel full")
	}
}

func (w *PostgresWriter) batchConsumer() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	var batch []Entry

	flush := func() {
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := w.writeBatch(ctx, batch); err != nil {
			slog.Error("failed to write audit batch", "error", err, "count", len(batch))
			failuresCounter.WithLabelValues("batch_write_failed").Inc()
		}

		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.asyncChan:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.stopChan:
			for {
				select {
				case entry := <-w.asyncChan:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *PostgresWriter) writeBatch(ctx context.Context, entries []Entry) error {
	rows := make([][]any, len(entries))
	for i, entry := range entries {
		rows[i] = row(entry)
	}

	n, err := w.pool.CopyFrom(ctx, pgx.Identifier{auditTable}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return oops.With("count", len(entries)).Wrap(err)
	}
	if int(n) != len(entries) {
		return oops.With("count", len(entries), "copied", n).Errorf("short audit copy")
	}
	return nil
}

// Close flushes pending entries and stops the batch consumer.
func (w *PostgresWriter) Close() error {
	close(w.stopChan)
	w.wg.Wait()
	return nil
}

func row(entry Entry) []any {
	reasons := entry.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	policyIDs := entry.PolicyIDs
	if policyIDs == nil {
		policyIDs = []string{}
	}
	return []any{
		entry.ID,
		entry.Registry,
		entry.Stage,
		entry.Operator,
		entry.Allowed,
		entry.Faulted,
		reasons,
		policyIDs,
		entry.DurationUS,
		entry.Timestamp,
	}
}
