// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/teamkit/teamkit/internal/audit"
	"github.com/teamkit/teamkit/internal/config"
	"github.com/teamkit/teamkit/internal/invitations"
	"github.com/teamkit/teamkit/internal/store"
	"github.com/teamkit/teamkit/pkg/policy"
)

// Deps contains injectable dependencies for the CLI commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// MigratorFactory opens a schema migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// PoolOpener connects to PostgreSQL.
	// Default: store.Open
	PoolOpener func(ctx context.Context, databaseURL string, opts store.PoolOptions) (*pgxpool.Pool, error)

	// Now stamps contexts that carry no timestamp.
	// Default: time.Now
	Now func() time.Time
}

// Migrator wraps the store.Migrator methods the migrate command uses.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Pending() ([]store.Migration, error)
	Close() error
}

func (d *Deps) withDefaults() *Deps {
	out := &Deps{}
	if d != nil {
		*out = *d
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if out.PoolOpener == nil {
		out.PoolOpener = store.Open
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func (a *app) requireDatabase() (string, error) {
	if a.cfg.Database.URL == "" {
		return "", oops.Code(config.CodeInvalid).
			With("key", "database.url").
			Errorf("database.url is required (set it in the config file, --database-url or $%s)", config.DatabaseURLEnv)
	}
	return a.cfg.Database.URL, nil
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	url, err := a.requireDatabase()
	if err != nil {
		return nil, err
	}
	opts := store.DefaultPoolOptions()
	opts.MaxConns = a.cfg.Database.MaxConns
	return a.deps.PoolOpener(ctx, url, opts)
}

// auditLogger builds the audit logger for the configured mode. The writer
// is PostgreSQL when a database is configured and slog otherwise. A non-nil
// pool is reused and left open; otherwise one is opened and closed with the
// logger. It returns nil when auditing is off.
func (a *app) auditLogger(ctx context.Context, pool *pgxpool.Pool) (*audit.Logger, func(), error) {
	mode, err := audit.ParseMode(a.cfg.Audit.Mode)
	if err != nil {
		return nil, nil, err
	}
	if mode == audit.ModeOff {
		return nil, func() {}, nil
	}

	var (
		writer  audit.Writer = audit.NewSlogWriter(a.logger)
		release             = func() {}
	)
	if a.cfg.Database.URL != "" {
		if pool == nil {
			opened, err := a.openPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			pool, release = opened, opened.Close
		}
		writer = audit.NewPostgresWriter(pool)
	}

	l := audit.NewLogger(mode, writer, a.cfg.Audit.WALPath)
	return l, func() {
		if err := l.Close(); err != nil {
			a.logger.Warn("closing audit logger", "error", err)
		}
		release()
	}, nil
}

func (a *app) invitationRegistry() (*policy.Registry[invitations.Context], error) {
	return invitations.NewRegistry(invitations.RegistryOptions{
		MaxPerRequest: a.cfg.Invitations.MaxPerRequest,
	})
}

func (a *app) evaluator(observer policy.Observer) *policy.Evaluator[invitations.Context] {
	opts := []policy.EvaluatorOption{
		policy.WithCacheSize(a.cfg.Evaluator.CacheSize),
		policy.WithLogger(a.logger),
	}
	if observer != nil {
		opts = append(opts, policy.WithObserver(observer))
	}
	return policy.NewEvaluator[invitations.Context](opts...)
}
