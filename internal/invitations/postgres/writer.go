// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package postgres

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/teamkit/teamkit/internal/invitations"
)

// DefaultInvitationTTL is how long an invitation stays valid.
const DefaultInvitationTTL = 7 * 24 * time.Hour

// Writer stores invitations in PostgreSQL.
type Writer struct {
	pool Pool
	ttl  time.Duration
	now  func() time.Time
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithTTL overrides the invitation lifetime.
func WithTTL(ttl time.Duration) WriterOption {
	return func(w *Writer) {
		w.ttl = ttl
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter creates a Writer on pool.
func NewWriter(pool Pool, opts ...WriterOption) *Writer {
	w := &Writer{
		pool: pool,
		ttl:  DefaultInvitationTTL,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ invitations.Writer = (*Writer)(nil)

// CreateInvitations implements invitations.Writer. Re-inviting an email
// already pending for the account refreshes its role, token and expiry.
func (w *Writer) CreateInvitations(ctx context.Context, accountSlug string, invitedBy invitations.User, invites []invitations.Invitation) ([]string, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, oops.With("operation", "begin transaction").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var accountID string
	err = tx.QueryRow(ctx, `SELECT id FROM accounts WHERE slug = $1`, accountSlug).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.
			Code(invitations.CodeAccountNotFound).
			With("account_slug", accountSlug).
			Errorf("account %q not found", accountSlug)
	}
	if err != nil {
		return nil, oops.With("operation", "get account by slug", "account_slug", accountSlug).Wrap(err)
	}

	now := w.now()
	expires := now.Add(w.ttl)
	ids := make([]string, 0, len(invites))
	for _, inv := range invites {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO invitations (id, account_id, email, role, invited_by, invite_token, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (account_id, email) DO UPDATE
			   SET role = EXCLUDED.role,
			       invited_by = EXCLUDED.invited_by,
			       invite_token = EXCLUDED.invite_token,
			       expires_at = EXCLUDED.expires_at
			 RETURNING id`,
			ulid.Make().String(),
			accountID,
			strings.ToLower(strings.TrimSpace(inv.Email)),
			inv.Role,
			invitedBy.ID,
			rand.Text(),
			now,
			expires,
		).Scan(&id)
		if err != nil {
			return nil, oops.With("operation", "insert invitation", "account_id", accountID, "email", inv.Email).Wrap(err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, oops.With("operation", "commit invitations").Wrap(err)
	}
	return ids, nil
}
