// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/teamkit/teamkit/internal/invitations"
)

// Source reads invitation facts from PostgreSQL.
type Source struct {
	pool      Pool
	retries   uint64
	retryBase time.Duration
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithRetry overrides the retry budget for transient failures.
func WithRetry(retries uint64, base time.Duration) SourceOption {
	return func(s *Source) {
		s.retries = retries
		s.retryBase = base
	}
}

// NewSource creates a Source on pool.
func NewSource(pool Pool, opts ...SourceOption) *Source {
	s := &Source{
		pool:      pool,
		retries:   defaultRetries,
		retryBase: defaultRetryBase,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ invitations.Source = (*Source)(nil)

// AccountBySlug implements invitations.Source.
func (s *Source) AccountBySlug(ctx context.Context, slug string) (invitations.Account, error) {
	var acct invitations.Account
	err := withRetry(ctx, s.retries, s.retryBase, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT id, slug FROM accounts WHERE slug = $1`, slug,
		).Scan(&acct.ID, &acct.Slug)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return invitations.Account{}, oops.
			Code(invitations.CodeAccountNotFound).
			With("account_slug", slug).
			Errorf("account %q not found", slug)
	}
	if err != nil {
		return invitations.Account{}, oops.With("operation", "get account by slug", "account_slug", slug).Wrap(err)
	}
	return acct, nil
}

// Subscription implements invitations.Source. The most recent subscription
// wins when an account has several.
func (s *Source) Subscription(ctx context.Context, accountID string) (*invitations.Subscription, error) {
	var sub invitations.Subscription
	err := withRetry(ctx, s.retries, s.retryBase, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT id, billing_provider, status, active, cancel_at_period_end, currency,
			        period_starts_at, period_ends_at, trial_ends_at
			 FROM subscriptions
			 WHERE account_id = $1
			 ORDER BY created_at DESC
			 LIMIT 1`, accountID,
		).Scan(
			&sub.ID, &sub.Provider, &sub.Status, &sub.Active, &sub.CancelAtPeriodEnd, &sub.Currency,
			&sub.PeriodStartsAt, &sub.PeriodEndsAt, &sub.TrialEndsAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("operation", "get subscription", "account_id", accountID).Wrap(err)
	}

	items, err := s.subscriptionItems(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Items = items
	return &sub, nil
}

func (s *Source) subscriptionItems(ctx context.Context, subscriptionID string) ([]invitations.SubscriptionItem, error) {
	var items []invitations.SubscriptionItem
	err := withRetry(ctx, s.retries, s.retryBase, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, product_id, variant_id, type, quantity, interval
			 FROM subscription_items
			 WHERE subscription_id = $1
			 ORDER BY created_at, id`, subscriptionID)
		if err != nil {
			return err
		}
		defer rows.Close()

		items = items[:0]
		for rows.Next() {
			var item invitations.SubscriptionItem
			var itemType string
			if err := rows.Scan(&item.ID, &item.ProductID, &item.VariantID, &itemType, &item.Quantity, &item.Interval); err != nil {
				return err
			}
			item.Type = invitations.ItemType(itemType)
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, oops.With("operation", "list subscription items", "subscription_id", subscriptionID).Wrap(err)
	}
	if items == nil {
		items = []invitations.SubscriptionItem{}
	}
	return items, nil
}

// MemberCount implements invitations.Source.
func (s *Source) MemberCount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := withRetry(ctx, s.retries, s.retryBase, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT count(*) FROM accounts_memberships WHERE account_id = $1`, accountID,
		).Scan(&n)
	})
	if err != nil {
		return 0, oops.With("operation", "count members", "account_id", accountID).Wrap(err)
	}
	return n, nil
}
