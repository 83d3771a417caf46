// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

//go:build integration

package invitations_test

import (
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/teamkit/teamkit/internal/audit"
	"github.com/teamkit/teamkit/internal/invitations"
	invpg "github.com/teamkit/teamkit/internal/invitations/postgres"
	"github.com/teamkit/teamkit/pkg/errutil"
	"github.com/teamkit/teamkit/pkg/policy"
)

func newService(opts ...policy.EvaluatorOption) *invitations.Service {
	reg, err := invitations.NewRegistry(invitations.RegistryOptions{MaxPerRequest: 5})
	Expect(err).NotTo(HaveOccurred())

	opts = append([]policy.EvaluatorOption{policy.WithLogger(env.logger)}, opts...)
	ev := policy.NewEvaluator[invitations.Context](opts...)

	return invitations.NewService(
		invitations.NewPolicies(ev, reg),
		invitations.NewBuilder(invpg.NewSource(env.pool)),
		invpg.NewWriter(env.pool),
		env.logger,
	)
}

func uniqueSlug(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

var inviter = invitations.User{ID: "user-owner", Email: "owner@example.com"}

var _ = Describe("PostgreSQL context source", func() {
	It("reads the account, latest subscription and member count", func() {
		slug := uniqueSlug("acme")
		accountID := createAccount(slug, 3)
		createSubscription(accountID, subscriptionFixture{
			provider:  "stripe",
			status:    "canceled",
			createdAt: time.Now().UTC().Add(-48 * time.Hour),
		})
		latest := createSubscription(accountID, subscriptionFixture{
			provider:  "paddle",
			status:    "trialing",
			active:    true,
			itemTypes: []string{"flat", "per_seat"},
		})

		src := invpg.NewSource(env.pool)

		account, err := src.AccountBySlug(env.ctx, slug)
		Expect(err).NotTo(HaveOccurred())
		Expect(account.ID).To(Equal(accountID))

		sub, err := src.Subscription(env.ctx, accountID)
		Expect(err).NotTo(HaveOccurred())
		Expect(sub).NotTo(BeNil())
		Expect(sub.ID).To(Equal(latest))
		Expect(sub.Provider).To(Equal("paddle"))
		Expect(sub.Items).To(HaveLen(2))
		Expect(string(sub.Items[0].Type)).To(Equal("flat"))
		Expect(sub.HasItemType(invitations.ItemPerSeat)).To(BeTrue())

		count, err := src.MemberCount(env.ctx, accountID)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(3))
	})

	It("reports a missing subscription as nil", func() {
		accountID := createAccount(uniqueSlug("free"), 1)

		sub, err := invpg.NewSource(env.pool).Subscription(env.ctx, accountID)
		Expect(err).NotTo(HaveOccurred())
		Expect(sub).To(BeNil())
	})

	It("codes unknown accounts", func() {
		_, err := invpg.NewSource(env.pool).AccountBySlug(env.ctx, "no-such-account")
		Expect(errutil.CodeOf(err)).To(Equal(invitations.CodeAccountNotFound))
	})
})

var _ = Describe("Invitation service", func() {
	invites := []invitations.Invitation{
		{Email: "Ada@Example.com", Role: "member"},
		{Email: "grace@example.com", Role: "admin"},
	}

	It("writes invitations for an active subscription", func() {
		slug := uniqueSlug("paid")
		accountID := createAccount(slug, 2)
		createSubscription(accountID, subscriptionFixture{provider: "stripe", status: "active", active: true, itemTypes: []string{"per_seat"}})

		outcome, err := newService().Invite(env.ctx, invitations.Params{AccountSlug: slug, Invitations: invites}, inviter)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Success).To(BeTrue())
		Expect(outcome.InvitationIDs).To(HaveLen(2))
		Expect(countInvitations(accountID)).To(Equal(2))

		var email string
		err = env.pool.QueryRow(env.ctx,
			`SELECT email FROM invitations WHERE id = $1`, outcome.InvitationIDs[0]).Scan(&email)
		Expect(err).NotTo(HaveOccurred())
		Expect(email).To(Equal("ada@example.com"))
	})

	It("refreshes a pending invitation instead of duplicating it", func() {
		slug := uniqueSlug("again")
		accountID := createAccount(slug, 1)
		createSubscription(accountID, subscriptionFixture{provider: "stripe", status: "active", active: true})
		svc := newService()

		first, err := svc.Invite(env.ctx, invitations.Params{AccountSlug: slug, Invitations: invites[:1]}, inviter)
		Expect(err).NotTo(HaveOccurred())
		second, err := svc.Invite(env.ctx, invitations.Params{
			AccountSlug: slug,
			Invitations: []invitations.Invitation{{Email: "ada@example.com", Role: "admin"}},
		}, inviter)
		Expect(err).NotTo(HaveOccurred())

		Expect(second.InvitationIDs).To(Equal(first.InvitationIDs))
		Expect(countInvitations(accountID)).To(Equal(1))

		var role string
		err = env.pool.QueryRow(env.ctx, `SELECT role FROM invitations WHERE id = $1`, first.InvitationIDs[0]).Scan(&role)
		Expect(err).NotTo(HaveOccurred())
		Expect(role).To(Equal("admin"))
	})

	DescribeTable("denials write nothing",
		func(fixture *subscriptionFixture, params func(slug string) invitations.Params, reason string) {
			slug := uniqueSlug("denied")
			accountID := createAccount(slug, 1)
			if fixture != nil {
				createSubscription(accountID, *fixture)
			}

			outcome, err := newService().Invite(env.ctx, params(slug), inviter)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Success).To(BeFalse())
			Expect(outcome.Reasons).To(ConsistOf(reason))
			Expect(countInvitations(accountID)).To(BeZero())
		},
		Entry("no subscription", nil,
			func(slug string) invitations.Params { return invitations.Params{AccountSlug: slug, Invitations: invites} },
			"teams:policyErrors.subscriptionRequired"),
		Entry("inactive subscription",
			&subscriptionFixture{provider: "stripe", status: "past_due"},
			func(slug string) invitations.Params { return invitations.Params{AccountSlug: slug, Invitations: invites} },
			"teams:policyErrors.subscriptionRequired"),
		Entry("paddle per-seat trial",
			&subscriptionFixture{provider: "paddle", status: "trialing", active: true, itemTypes: []string{"per_seat"}},
			func(slug string) invitations.Params { return invitations.Params{AccountSlug: slug, Invitations: invites} },
			"teams:policyErrors.paddleTrialRestriction"),
		Entry("too many invitations",
			&subscriptionFixture{provider: "stripe", status: "active", active: true},
			func(slug string) invitations.Params {
				many := make([]invitations.Invitation, 6)
				for i := range many {
					many[i] = invitations.Invitation{Email: ulid.Make().String() + "@example.com", Role: "member"}
				}
				return invitations.Params{AccountSlug: slug, Invitations: many}
			},
			"teams:policyErrors.tooManyInvitations"),
	)

	It("allows a paddle trial with only flat items", func() {
		slug := uniqueSlug("flat")
		accountID := createAccount(slug, 1)
		createSubscription(accountID, subscriptionFixture{provider: "paddle", status: "trialing", active: true, itemTypes: []string{"flat"}})

		outcome, err := newService().Check(env.ctx, invitations.Params{AccountSlug: slug, Invitations: invites}, inviter)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Success).To(BeTrue())
		Expect(countInvitations(accountID)).To(BeZero(), "Check never writes")
	})

	It("fails for an unknown account", func() {
		_, err := newService().Invite(env.ctx, invitations.Params{AccountSlug: "missing", Invitations: invites}, inviter)
		Expect(errutil.CodeOf(err)).To(Equal(invitations.CodeAccountNotFound))
	})
})

var _ = Describe("Audit trail", func() {
	It("records denials in policy_audit_log", func() {
		writer := audit.NewPostgresWriter(env.pool)
		logger := audit.NewLogger(audit.ModeDenialsOnly, writer, filepath.Join(GinkgoT().TempDir(), "wal.jsonl"))

		slug := uniqueSlug("audited")
		createAccount(slug, 1)

		outcome, err := newService(policy.WithObserver(logger)).Invite(env.ctx, invitations.Params{
			AccountSlug: slug,
			Invitations: []invitations.Invitation{{Email: "ada@example.com", Role: "member"}},
		}, inviter)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Success).To(BeFalse())
		Expect(logger.Close()).To(Succeed())

		var (
			allowed   bool
			reasons   []string
			policyIDs []string
		)
		err = env.pool.QueryRow(env.ctx,
			`SELECT allowed, reasons, policy_ids FROM policy_audit_log
			 WHERE registry = $1 AND stage = $2
			 ORDER BY created_at DESC LIMIT 1`,
			invitations.RegistryName, string(invitations.StageSubmission),
		).Scan(&allowed, &reasons, &policyIDs)
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeFalse())
		Expect(reasons).To(ConsistOf("teams:policyErrors.subscriptionRequired"))
		Expect(policyIDs).To(ConsistOf(invitations.SubscriptionRequiredID))
	})

	It("batches allowed evaluations with COPY", func() {
		writer := audit.NewPostgresWriter(env.pool)
		for range 3 {
			Expect(writer.WriteAsync(audit.Entry{
				ID:        ulid.Make().String(),
				Registry:  "copy-test",
				Operator:  "ALL",
				Allowed:   true,
				Timestamp: time.Now().UTC(),
			})).To(Succeed())
		}
		Expect(writer.Close()).To(Succeed())

		var n int
		err := env.pool.QueryRow(env.ctx, `SELECT count(*) FROM policy_audit_log WHERE registry = 'copy-test'`).Scan(&n)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
	})
})
