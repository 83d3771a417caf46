// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package invitations gates team-account invitations behind the policy
// engine.
package invitations

import (
	"time"

	"github.com/teamkit/teamkit/pkg/policy"
)

// Stages at which invitation policies run.
const (
	// StagePreliminary runs before the invite form is shown.
	StagePreliminary policy.Stage = "preliminary"
	// StageSubmission runs when invitations are submitted.
	StageSubmission policy.Stage = "submission"
)

// Stages lists every invitation stage in flow order.
var Stages = []policy.Stage{StagePreliminary, StageSubmission}

// Billing providers.
const (
	ProviderStripe       = "stripe"
	ProviderPaddle       = "paddle"
	ProviderLemonSqueezy = "lemon-squeezy"
)

// Subscription statuses.
const (
	StatusActive     = "active"
	StatusTrialing   = "trialing"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
	StatusUnpaid     = "unpaid"
	StatusIncomplete = "incomplete"
	StatusPaused     = "paused"
)

// ItemType is the billing model of a subscription line item.
type ItemType string

// Line item types.
const (
	ItemPerSeat ItemType = "per_seat"
	ItemFlat    ItemType = "flat"
	ItemMetered ItemType = "metered"
)

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID        string   `json:"id"`
	ProductID string   `json:"productId,omitempty"`
	VariantID string   `json:"variantId,omitempty"`
	Type      ItemType `json:"type" jsonschema:"enum=per_seat,enum=flat,enum=metered"`
	Quantity  int      `json:"quantity,omitempty" jsonschema:"minimum=0"`
	Interval  string   `json:"interval,omitempty"`
}

// Subscription is the billing state of an account.
type Subscription struct {
	ID                string             `json:"id"`
	Provider          string             `json:"provider" jsonschema:"enum=stripe,enum=paddle,enum=lemon-squeezy"`
	Status            string             `json:"status"`
	Active            bool               `json:"active"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd,omitempty"`
	Currency          string             `json:"currency,omitempty"`
	PeriodStartsAt    *time.Time         `json:"periodStartsAt,omitempty"`
	PeriodEndsAt      *time.Time         `json:"periodEndsAt,omitempty"`
	TrialEndsAt       *time.Time         `json:"trialEndsAt,omitempty"`
	Items             []SubscriptionItem `json:"items"`
}

// HasItemType reports whether any line item has type t.
func (s *Subscription) HasItemType(t ItemType) bool {
	if s == nil {
		return false
	}
	for _, item := range s.Items {
		if item.Type == t {
			return true
		}
	}
	return false
}

// Invitation is one requested invite.
type Invitation struct {
	Email string `json:"email" jsonschema:"format=email"`
	Role  string `json:"role" jsonschema:"minLength=1"`
}

// User identifies the member sending invitations.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Context is the fact snapshot invitation policies judge.
type Context struct {
	policy.Context

	AccountSlug        string        `json:"accountSlug"`
	AccountID          string        `json:"accountId"`
	Subscription       *Subscription `json:"subscription,omitempty"`
	CurrentMemberCount int           `json:"currentMemberCount" jsonschema:"minimum=0"`
	Invitations        []Invitation  `json:"invitations"`
	InvitingUser       User          `json:"invitingUser"`
}
