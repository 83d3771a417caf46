// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package policy implements a declarative policy evaluation engine.
//
// Policies are defined once with Define, collected into a Registry, and
// evaluated against an immutable snapshot of a feature context by an
// Evaluator. Evaluation combines individual results with ALL (conjunction)
// or ANY (disjunction) semantics and short-circuits as soon as the outcome
// is known.
package policy

import (
	"fmt"
	"time"
)

// Stage names a phase of a feature flow during which policies run, for
// example "preliminary" (before a form is shown) or "submission".
// The zero value means "no stage given".
type Stage string

// Operator combines individual policy results into one decision.
type Operator string

// Operator values.
const (
	OperatorAll Operator = "ALL" // every policy must allow
	OperatorAny Operator = "ANY" // at least one policy must allow
)

// Validate reports whether op is a known operator.
func (op Operator) Validate() error {
	switch op {
	case OperatorAll, OperatorAny:
		return nil
	default:
		return fmt.Errorf("unknown operator %q", string(op))
	}
}

// Context is the base fact snapshot shared by all feature contexts.
// Feature contexts embed it and add their own domain facts.
type Context struct {
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewContext returns a Context stamped with the current time.
func NewContext(metadata map[string]any) Context {
	return Context{
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// Result is the outcome of one policy's judgment.
type Result struct {
	Allowed              bool           `json:"allowed"`
	Reason               string         `json:"reason,omitempty"`
	RequiresManualReview bool           `json:"requiresManualReview,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Skipped reports whether the result records a stage skip rather than a
// real judgment.
func (r Result) Skipped() bool {
	skipped, _ := r.Metadata[MetadataSkipped].(bool)
	return skipped
}

// PolicyID returns the policyId metadata stamped by the definition factory.
func (r Result) PolicyID() string {
	id, _ := r.Metadata[MetadataPolicyID].(string)
	return id
}

// ErrorCode is a structured denial descriptor.
type ErrorCode struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Remediation string         `json:"remediation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Error implements error so an ErrorCode can be returned directly from a
// policy function. The engine turns a returned (or wrapped) ErrorCode into
// DenyWithCode rather than a POLICY_EVALUATION_ERROR fault.
func (e ErrorCode) Error() string {
	return e.Code + ": " + e.Message
}

// EvaluationResult is the aggregate outcome of evaluating several policies.
type EvaluationResult struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
	Results []Result `json:"results"`
}

// Metadata keys written by the engine.
const (
	MetadataPolicyID    = "policyId"
	MetadataStage       = "stage"
	MetadataSkipped     = "skipped"
	MetadataReason      = "reason"
	MetadataCode        = "code"
	MetadataRemediation = "remediation"
	MetadataError       = "error"
)

// Error codes. Configuration errors are returned as oops errors carrying
// these codes; CodePolicyEvaluationError appears in denial metadata.
const (
	CodeDuplicatePolicy         = "DUPLICATE_POLICY"
	CodePolicyNotFound          = "POLICY_NOT_FOUND"
	CodeInvalidPolicyConfig     = "INVALID_POLICY_CONFIG"
	CodeInvalidPolicyDefinition = "INVALID_POLICY_DEFINITION"
	CodeInvalidOperator         = "INVALID_OPERATOR"
	CodeEvaluationCancelled     = "EVALUATION_CANCELLED"
	CodePolicyEvaluationError   = "POLICY_EVALUATION_ERROR"
)

// NoPoliciesMatchedReason is the reason returned when an ANY evaluation has
// nothing to evaluate.
const NoPoliciesMatchedReason = "No policies matched the criteria"
