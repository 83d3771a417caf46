// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"context"
	"errors"
	"sync/atomic"
)

type limits struct {
	Seats   int
	Domains []string
}

// testContext is a feature context used across the package tests.
type testContext struct {
	Context
	AccountID string
	Tags      []string
	Limits    *limits
	Counters  map[string]int
}

func newTestContext() testContext {
	return testContext{
		Context:   NewContext(map[string]any{"request_id": "req-1"}),
		AccountID: "acct-1",
		Tags:      []string{"team", "pro"},
		Limits:    &limits{Seats: 5, Domains: []string{"example.com"}},
		Counters:  map[string]int{"members": 3},
	}
}

// countingPolicy returns a definition that records its invocations and
// answers with result.
func countingPolicy(id string, stages []Stage, result Result, calls *atomic.Int32) Definition[testContext] {
	return MustDefine(Spec[testContext, struct{}]{
		ID:     id,
		Stages: stages,
		Evaluate: func(_ context.Context, _ testContext, _ struct{}, _ Stage) (Result, error) {
			if calls != nil {
				calls.Add(1)
			}
			return result, nil
		},
	})
}

func allowPolicy(id string, calls *atomic.Int32) Definition[testContext] {
	return countingPolicy(id, nil, Allow(nil), calls)
}

func denyPolicy(id, reason string, calls *atomic.Int32) Definition[testContext] {
	return countingPolicy(id, nil, DenyWithReason(reason, nil), calls)
}

func failingPolicy(id string) Definition[testContext] {
	return MustDefine(Spec[testContext, struct{}]{
		ID: id,
		Evaluate: func(context.Context, testContext, struct{}, Stage) (Result, error) {
			return Result{}, errors.New("boom")
		},
	})
}

func newTestRegistry(defs ...Definition[testContext]) *Registry[testContext] {
	return NewRegistry[testContext]("test").MustRegister(defs...)
}

// recordingObserver captures evaluations.
type recordingObserver struct {
	evaluations []Evaluation
}

func (o *recordingObserver) ObserveEvaluation(_ context.Context, ev Evaluation) {
	o.evaluations = append(o.evaluations, ev)
}

func policyIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.PolicyID()
	}
	return ids
}
