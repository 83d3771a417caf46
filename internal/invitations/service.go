// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package invitations

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/teamkit/teamkit/pkg/errutil"
	"github.com/teamkit/teamkit/pkg/policy"
)

// Writer persists accepted invitations.
type Writer interface {
	// CreateInvitations stores invites for the account identified by slug and
	// returns the new invitation ids in input order.
	CreateInvitations(ctx context.Context, accountSlug string, invitedBy User, invites []Invitation) ([]string, error)
}

// Outcome is what the caller reports back to the user.
type Outcome struct {
	Success       bool     `json:"success"`
	Reasons       []string `json:"reasons,omitempty"`
	InvitationIDs []string `json:"invitationIds,omitempty"`
}

// Service runs the invitation flow: policy check, then write.
type Service struct {
	policies *Policies
	builder  *Builder
	writer   Writer
	logger   *slog.Logger
}

// NewService creates a Service. A nil logger uses slog.Default.
func NewService(policies *Policies, builder *Builder, writer Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		policies: policies,
		builder:  builder,
		writer:   writer,
		logger:   logger,
	}
}

// Check runs the preliminary stage. It never writes.
func (s *Service) Check(ctx context.Context, params Params, user User) (Outcome, error) {
	return s.gate(ctx, params, user, StagePreliminary)
}

// Invite validates params, runs the submission stage and writes the
// invitations when every policy allows.
func (s *Service) Invite(ctx context.Context, params Params, user User) (Outcome, error) {
	if err := params.Validate(); err != nil {
		return Outcome{}, err
	}

	out, err := s.gate(ctx, params, user, StageSubmission)
	if err != nil || !out.Success {
		return out, err
	}

	ids, err := s.writer.CreateInvitations(ctx, params.AccountSlug, user, params.Invitations)
	if err != nil {
		err = oops.With("account_slug", params.AccountSlug, "count", len(params.Invitations)).Wrap(err)
		errutil.LogError(ctx, s.logger, "create invitations failed", err)
		return Outcome{}, err
	}

	s.logger.InfoContext(ctx, "invitations created",
		"account_slug", params.AccountSlug,
		"user_id", user.ID,
		"count", len(ids),
	)
	return Outcome{Success: true, InvitationIDs: ids}, nil
}

// gate skips building the context entirely when no policy runs at stage.
func (s *Service) gate(ctx context.Context, params Params, user User, stage policy.Stage) (Outcome, error) {
	has, err := s.policies.HasPoliciesForStage(ctx, stage)
	if err != nil {
		return Outcome{}, err
	}
	if !has {
		return Outcome{Success: true}, nil
	}

	c, err := s.builder.Build(ctx, params, user)
	if err != nil {
		return Outcome{}, err
	}

	res, err := s.policies.CanInvite(ctx, c, stage)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Allowed {
		s.logger.InfoContext(ctx, "invitation denied by policy",
			"account_slug", params.AccountSlug,
			"user_id", user.ID,
			"stage", string(stage),
			"reasons", res.Reasons,
		)
		return Outcome{Success: false, Reasons: res.Reasons}, nil
	}
	return Outcome{Success: true}, nil
}
