// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// adHocRegistry labels metrics and observations for group evaluations
// that carry no name.
const adHocRegistry = "ad-hoc"

// Func is a registry-independent policy: a plain predicate over the
// context.
type Func[C any] func(ctx context.Context, c C) (Result, error)

// Group is an ordered list of policy functions combined with one operator.
type Group[C any] struct {
	Name     string
	Operator Operator
	Policies []Func[C]
}

// EvaluatePolicies runs fns in order against c with the short-circuit and
// aggregation rules of Evaluate. Each function receives its own deep copy
// of c, and faults are contained exactly as in registry evaluation.
func (e *Evaluator[C]) EvaluatePolicies(ctx context.Context, fns []Func[C], c C, op Operator) (EvaluationResult, error) {
	return e.EvaluateGroup(ctx, Group[C]{Operator: op, Policies: fns}, c)
}

// EvaluateGroup evaluates one group.
func (e *Evaluator[C]) EvaluateGroup(ctx context.Context, g Group[C], c C) (EvaluationResult, error) {
	start := time.Now()
	res, err := e.runGroup(ctx, g, NewSnapshot(c))
	if err != nil {
		return EvaluationResult{}, err
	}
	e.finish(ctx, Evaluation{
		Registry: groupLabel(g),
		Operator: g.Operator,
		Result:   res,
		Started:  start,
		Duration: time.Since(start),
	})
	return res, nil
}

// EvaluateGroups evaluates groups in order and stops at the first group
// that denies. Reasons and results accumulate across the groups that ran.
func (e *Evaluator[C]) EvaluateGroups(ctx context.Context, groups []Group[C], c C) (EvaluationResult, error) {
	start := time.Now()
	snap := NewSnapshot(c)

	out := EvaluationResult{Allowed: true, Reasons: []string{}, Results: []Result{}}
	for _, g := range groups {
		res, err := e.runGroup(ctx, g, snap)
		if err != nil {
			return EvaluationResult{}, err
		}
		out.Results = append(out.Results, res.Results...)
		out.Reasons = append(out.Reasons, res.Reasons...)
		if !res.Allowed {
			out.Allowed = false
			break
		}
	}

	e.finish(ctx, Evaluation{
		Registry: adHocRegistry,
		Operator: OperatorAll,
		Result:   out,
		Started:  start,
		Duration: time.Since(start),
	})
	return out, nil
}

func (e *Evaluator[C]) runGroup(ctx context.Context, g Group[C], snap *Snapshot[C]) (EvaluationResult, error) {
	if err := g.Operator.Validate(); err != nil {
		return EvaluationResult{}, oops.Code(CodeInvalidOperator).With("group", g.Name).Wrap(err)
	}

	agg := newAggregator(g.Operator)
	for i, fn := range g.Policies {
		if err := ctx.Err(); err != nil {
			return EvaluationResult{}, oops.
				Code(CodeEvaluationCancelled).
				With("group", g.Name, "index", i).
				Wrapf(err, "evaluation cancelled")
		}
		result := callFunc(ctx, fn, snap.Value())
		e.noteResult(ctx, groupLabel(g), result)
		if agg.add(result) {
			break
		}
	}
	return agg.result(), nil
}

func callFunc[C any](ctx context.Context, fn Func[C], c C) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = groupFault(panicMessage(r))
		}
	}()

	if fn == nil {
		return groupFault("policy function is nil")
	}
	res, err := fn(ctx, c)
	if code, ok := asErrorCode(err); ok {
		return DenyWithCode(code, nil)
	}
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = unknownFaultMessage
		}
		return groupFault(msg)
	}
	return res
}

func groupFault(msg string) Result {
	return DenyWithCode(ErrorCode{
		Code:    CodePolicyEvaluationError,
		Message: msg,
	}, map[string]any{MetadataError: msg})
}

func groupLabel[C any](g Group[C]) string {
	if g.Name == "" {
		return adHocRegistry
	}
	return g.Name
}
