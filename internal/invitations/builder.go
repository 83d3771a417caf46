// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package invitations

import (
	"context"
	"strings"
	"time"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/teamkit/teamkit/pkg/policy"
)

// Error codes returned while building or acting on invitations.
const (
	CodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	CodeInvalidInvitations = "INVALID_INVITATIONS"
	CodeContextBuildFailed = "CONTEXT_BUILD_FAILED"
)

// Account is the subset of an account the builder needs.
type Account struct {
	ID   string
	Slug string
}

// Source reads the facts invitation policies judge.
type Source interface {
	// AccountBySlug returns the account or an error coded ACCOUNT_NOT_FOUND.
	AccountBySlug(ctx context.Context, slug string) (Account, error)
	// Subscription returns the account's subscription, or nil when it has none.
	Subscription(ctx context.Context, accountID string) (*Subscription, error)
	// MemberCount returns the number of members of the account.
	MemberCount(ctx context.Context, accountID string) (int, error)
}

// Params are the raw request parameters of an invitation attempt.
type Params struct {
	AccountSlug string       `json:"accountSlug"`
	Invitations []Invitation `json:"invitations"`
}

// Validate checks the request shape before any I/O happens.
func (p Params) Validate() error {
	if strings.TrimSpace(p.AccountSlug) == "" {
		return oops.Code(CodeInvalidInvitations).Errorf("account slug is required")
	}
	if len(p.Invitations) == 0 {
		return oops.Code(CodeInvalidInvitations).With("account_slug", p.AccountSlug).Errorf("at least one invitation is required")
	}
	seen := make(map[string]struct{}, len(p.Invitations))
	for i, inv := range p.Invitations {
		email := strings.ToLower(strings.TrimSpace(inv.Email))
		if email == "" || !strings.Contains(email, "@") {
			return oops.Code(CodeInvalidInvitations).With("index", i, "email", inv.Email).Errorf("invalid email address")
		}
		if strings.TrimSpace(inv.Role) == "" {
			return oops.Code(CodeInvalidInvitations).With("index", i, "email", inv.Email).Errorf("role is required")
		}
		if _, dup := seen[email]; dup {
			return oops.Code(CodeInvalidInvitations).With("index", i, "email", inv.Email).Errorf("duplicate invitation")
		}
		seen[email] = struct{}{}
	}
	return nil
}

// Builder assembles invitation contexts from a Source.
type Builder struct {
	source Source
	now    func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the clock used to stamp contexts.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a Builder reading from source.
func NewBuilder(source Source, opts ...BuilderOption) *Builder {
	b := &Builder{
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build resolves the account, then fetches its subscription and member
// count in parallel.
func (b *Builder) Build(ctx context.Context, params Params, user User) (Context, error) {
	account, err := b.source.AccountBySlug(ctx, params.AccountSlug)
	if err != nil {
		return Context{}, oops.With("account_slug", params.AccountSlug).Wrap(err)
	}

	var (
		sub     *Subscription
		members int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := b.source.Subscription(gctx, account.ID)
		if err != nil {
			return oops.Code(CodeContextBuildFailed).With("account_id", account.ID).Wrapf(err, "load subscription")
		}
		sub = s
		return nil
	})
	g.Go(func() error {
		n, err := b.source.MemberCount(gctx, account.ID)
		if err != nil {
			return oops.Code(CodeContextBuildFailed).With("account_id", account.ID).Wrapf(err, "count members")
		}
		members = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return Context{}, err
	}

	return Context{
		Context: policy.Context{
			Timestamp: b.now(),
			Metadata: map[string]any{
				"accountSlug": account.Slug,
				"userId":      user.ID,
			},
		},
		AccountSlug:        account.Slug,
		AccountID:          account.ID,
		Subscription:       sub,
		CurrentMemberCount: members,
		Invitations:        params.Invitations,
		InvitingUser:       user,
	}, nil
}
