// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package invitations_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/teamkit/teamkit/internal/invitations"
	"github.com/teamkit/teamkit/pkg/policy"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) AccountBySlug(ctx context.Context, slug string) (invitations.Account, error) {
	args := m.Called(ctx, slug)
	return args.Get(0).(invitations.Account), args.Error(1)
}

func (m *mockSource) Subscription(ctx context.Context, accountID string) (*invitations.Subscription, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invitations.Subscription), args.Error(1)
}

func (m *mockSource) MemberCount(ctx context.Context, accountID string) (int, error) {
	args := m.Called(ctx, accountID)
	return args.Int(0), args.Error(1)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) CreateInvitations(ctx context.Context, slug string, by invitations.User, invites []invitations.Invitation) ([]string, error) {
	args := m.Called(ctx, slug, by, invites)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPolicies(t *testing.T, opts invitations.RegistryOptions) *invitations.Policies {
	t.Helper()
	reg, err := invitations.NewRegistry(opts)
	require.NoError(t, err)
	return invitations.NewPolicies(policy.NewEvaluator[invitations.Context](policy.WithLogger(discardLogger())), reg)
}

func activeStripe() *invitations.Subscription {
	return &invitations.Subscription{
		ID:       "sub_1",
		Provider: invitations.ProviderStripe,
		Status:   invitations.StatusActive,
		Active:   true,
		Items:    []invitations.SubscriptionItem{},
	}
}

func trialingPaddlePerSeat() *invitations.Subscription {
	return &invitations.Subscription{
		ID:       "sub_2",
		Provider: invitations.ProviderPaddle,
		Status:   invitations.StatusTrialing,
		Active:   true,
		Items: []invitations.SubscriptionItem{
			{ID: "item_1", Type: invitations.ItemPerSeat, Quantity: 3},
		},
	}
}

func invitationContext(sub *invitations.Subscription, invites ...invitations.Invitation) invitations.Context {
	return invitations.Context{
		Context:            policy.NewContext(nil),
		AccountSlug:        "acme",
		AccountID:          "acct-1",
		Subscription:       sub,
		CurrentMemberCount: 2,
		Invitations:        invites,
		InvitingUser:       invitations.User{ID: "user-1", Email: "owner@acme.test"},
	}
}

func someInvites(n int) []invitations.Invitation {
	out := make([]invitations.Invitation, n)
	for i := range out {
		out[i] = invitations.Invitation{Email: string(rune('a'+i)) + "@acme.test", Role: "member"}
	}
	return out
}
