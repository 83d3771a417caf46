// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"encoding/json"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/teamkit/teamkit/internal/invitations"
	invpg "github.com/teamkit/teamkit/internal/invitations/postgres"
	"github.com/teamkit/teamkit/pkg/policy"
)

const defaultInviteRole = "member"

type inviteConfig struct {
	account      string
	invites      []string
	inviterID    string
	inviterEmail string
	checkOnly    bool
}

func newInviteCmd(a *app) *cobra.Command {
	cfg := &inviteConfig{}

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Invite members to a team account",
		Long: `Build the invitation context from the database, evaluate the invitation
policies and, when every policy allows, store the invitations.

Each --email takes an address with an optional role suffix, for example
--email ada@example.com:admin. The role defaults to "member".

With --check only the preliminary stage runs and nothing is written.
The exit status is 2 when the invitation is denied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInvite(cmd, a, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.account, "account", "", "team account slug")
	cmd.Flags().StringArrayVar(&cfg.invites, "email", nil, "invitee as EMAIL[:ROLE] (repeatable)")
	cmd.Flags().StringVar(&cfg.inviterID, "inviter-id", "", "id of the inviting user")
	cmd.Flags().StringVar(&cfg.inviterEmail, "inviter-email", "", "email of the inviting user")
	cmd.Flags().BoolVar(&cfg.checkOnly, "check", false, "run the preliminary check only")
	_ = cmd.MarkFlagRequired("account")    //nolint:errcheck // flag is defined above
	_ = cmd.MarkFlagRequired("inviter-id") //nolint:errcheck // flag is defined above

	return cmd
}

func runInvite(cmd *cobra.Command, a *app, cfg *inviteConfig) error {
	ctx := cmd.Context()

	invites, err := parseInvites(cfg.invites)
	if err != nil {
		return err
	}
	params := invitations.Params{AccountSlug: cfg.account, Invitations: invites}
	if !cfg.checkOnly {
		if err := params.Validate(); err != nil {
			return err
		}
	}

	reg, err := a.invitationRegistry()
	if err != nil {
		return err
	}

	pool, err := a.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	auditLog, closeAudit, err := a.auditLogger(ctx, pool)
	if err != nil {
		return err
	}
	defer closeAudit()

	var observer policy.Observer
	if auditLog != nil {
		observer = auditLog
	}

	svc := invitations.NewService(
		invitations.NewPolicies(a.evaluator(observer), reg),
		invitations.NewBuilder(invpg.NewSource(pool), invitations.WithClock(a.deps.Now)),
		invpg.NewWriter(pool, invpg.WithTTL(a.cfg.Invitations.TTL)),
		a.logger,
	)

	user := invitations.User{ID: cfg.inviterID, Email: cfg.inviterEmail}
	var outcome invitations.Outcome
	if cfg.checkOnly {
		outcome, err = svc.Check(ctx, params, user)
	} else {
		outcome, err = svc.Invite(ctx, params, user)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return oops.Wrap(err)
	}

	if !outcome.Success {
		return &exitError{code: exitDenied, reason: "invitation denied"}
	}
	return nil
}

// parseInvites turns EMAIL[:ROLE] arguments into invitations.
func parseInvites(args []string) ([]invitations.Invitation, error) {
	out := make([]invitations.Invitation, 0, len(args))
	for _, arg := range args {
		email, role, found := strings.Cut(strings.TrimSpace(arg), ":")
		if !found {
			role = defaultInviteRole
		}
		if email == "" || role == "" {
			return nil, oops.Code(invitations.CodeInvalidInvitations).
				With("email", arg).
				Errorf("invalid invitee %q, want EMAIL[:ROLE]", arg)
		}
		out = append(out, invitations.Invitation{Email: email, Role: role})
	}
	return out, nil
}
