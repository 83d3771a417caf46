// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package invitations

import (
	"context"

	"github.com/teamkit/teamkit/pkg/policy"
)

// Policy ids.
const (
	SubscriptionRequiredID = "subscription-required"
	PaddleBillingID        = "paddle-billing"
	MaxInvitationsID       = "max-invitations"
)

// Denial codes.
const (
	CodeSubscriptionRequired   = "SUBSCRIPTION_REQUIRED"
	CodePaddleTrialRestriction = "PADDLE_TRIAL_RESTRICTION"
	CodeTooManyInvitations     = "TOO_MANY_INVITATIONS"
)

// Denial messages and remediations are translation keys rendered by the UI.
const (
	msgSubscriptionRequired         = "teams:policyErrors.subscriptionRequired"
	remediationSubscriptionRequired = "teams:policyRemediations.subscriptionRequired"
	msgPaddleTrialRestriction       = "teams:policyErrors.paddleTrialRestriction"
	remediationPaddleTrial          = "teams:policyRemediations.paddleTrialRestriction"
	msgTooManyInvitations           = "teams:policyErrors.tooManyInvitations"
	remediationTooManyInvitations   = "teams:policyRemediations.tooManyInvitations"
)

// SubscriptionRequired denies invitations for accounts without an active
// subscription.
var SubscriptionRequired = policy.MustDefine(policy.Spec[Context, struct{}]{
	ID:     SubscriptionRequiredID,
	Stages: Stages,
	Evaluate: func(_ context.Context, c Context, _ struct{}, _ policy.Stage) (policy.Result, error) {
		if c.Subscription == nil || !c.Subscription.Active {
			return policy.DenyWithCode(policy.ErrorCode{
				Code:        CodeSubscriptionRequired,
				Message:     msgSubscriptionRequired,
				Remediation: remediationSubscriptionRequired,
			}, nil), nil
		}
		return policy.Allow(nil), nil
	},
})

// PaddleBilling denies invitations while a Paddle subscription with
// per-seat items is trialing. Paddle cannot change seat quantities during a
// trial.
var PaddleBilling = policy.MustDefine(policy.Spec[Context, struct{}]{
	ID:     PaddleBillingID,
	Stages: Stages,
	Evaluate: func(_ context.Context, c Context, _ struct{}, _ policy.Stage) (policy.Result, error) {
		sub := c.Subscription
		if sub == nil || sub.Provider != ProviderPaddle || sub.Status != StatusTrialing {
			return policy.Allow(nil), nil
		}
		if sub.HasItemType(ItemPerSeat) {
			return policy.DenyWithCode(policy.ErrorCode{
				Code:        CodePaddleTrialRestriction,
				Message:     msgPaddleTrialRestriction,
				Remediation: remediationPaddleTrial,
				Metadata:    map[string]any{"provider": sub.Provider, "status": sub.Status},
			}, nil), nil
		}
		return policy.Allow(nil), nil
	},
})

// MaxInvitationsConfig bounds a single invitation request.
type MaxInvitationsConfig struct {
	Max int `json:"max" jsonschema:"minimum=1"`
}

// MaxInvitations denies submissions carrying more than the configured
// number of invitations.
var MaxInvitations = policy.MustDefine(policy.Spec[Context, MaxInvitationsConfig]{
	ID:     MaxInvitationsID,
	Stages: []policy.Stage{StageSubmission},
	Config: policy.MustSchemaFor[MaxInvitationsConfig](),
	Evaluate: func(_ context.Context, c Context, cfg MaxInvitationsConfig, _ policy.Stage) (policy.Result, error) {
		if cfg.Max > 0 && len(c.Invitations) > cfg.Max {
			return policy.DenyWithCode(policy.ErrorCode{
				Code:        CodeTooManyInvitations,
				Message:     msgTooManyInvitations,
				Remediation: remediationTooManyInvitations,
				Metadata:    map[string]any{"max": cfg.Max, "requested": len(c.Invitations)},
			}, nil), nil
		}
		return policy.Allow(nil), nil
	},
})

// RegistryOptions tunes NewRegistry.
type RegistryOptions struct {
	// MaxPerRequest enables the max-invitations policy when positive.
	MaxPerRequest int
}

// RegistryName names the invitation registry in metrics and audit entries.
const RegistryName = "invitations"

// NewRegistry returns the invitation policy registry.
func NewRegistry(opts RegistryOptions) (*policy.Registry[Context], error) {
	reg := policy.NewRegistry[Context](RegistryName)
	for _, def := range []policy.Definition[Context]{SubscriptionRequired, PaddleBilling} {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	if opts.MaxPerRequest > 0 {
		if err := reg.RegisterConfigured(MaxInvitations, MaxInvitationsConfig{Max: opts.MaxPerRequest}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Policies is the entry point server code uses to check invitations.
type Policies struct {
	evaluator *policy.Evaluator[Context]
	registry  *policy.Registry[Context]
}

// NewPolicies binds an evaluator to the invitation registry.
func NewPolicies(ev *policy.Evaluator[Context], reg *policy.Registry[Context]) *Policies {
	return &Policies{evaluator: ev, registry: reg}
}

// Registry returns the underlying registry.
func (p *Policies) Registry() *policy.Registry[Context] {
	return p.registry
}

// HasPoliciesForStage reports whether any invitation policy runs at stage.
func (p *Policies) HasPoliciesForStage(ctx context.Context, stage policy.Stage) (bool, error) {
	return p.evaluator.HasPoliciesForStage(ctx, p.registry, stage)
}

// CanInvite evaluates every applicable invitation policy; all must allow.
func (p *Policies) CanInvite(ctx context.Context, c Context, stage policy.Stage) (policy.EvaluationResult, error) {
	return p.evaluator.Evaluate(ctx, p.registry, c, policy.OperatorAll, stage)
}
