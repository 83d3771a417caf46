// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamkit/teamkit/pkg/errutil"
)

func quietEvaluator(opts ...EvaluatorOption) *Evaluator[testContext] {
	opts = append([]EvaluatorOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewEvaluator[testContext](opts...)
}

func TestEvaluate_Deterministic(t *testing.T) {
	reg := newTestRegistry(
		allowPolicy("p1", nil),
		denyPolicy("p2", "first", nil),
		denyPolicy("p3", "second", nil),
	)
	ev := quietEvaluator()
	c := newTestContext()

	first, err := ev.Evaluate(context.Background(), reg, c, OperatorAny, "")
	require.NoError(t, err)
	for range 5 {
		again, err := ev.Evaluate(context.Background(), reg, c, OperatorAny, "")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"first", "second"}, first.Reasons)
}

func TestEvaluate_AllShortCircuitsOnFirstDenial(t *testing.T) {
	var c1, c2, c3 atomic.Int32
	reg := newTestRegistry(
		allowPolicy("p1", &c1),
		denyPolicy("p2", "x", &c2),
		allowPolicy("p3", &c3),
	)

	res, err := quietEvaluator().Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
	require.NoError(t, err)

	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"x"}, res.Reasons)
	assert.Equal(t, []string{"p1", "p2"}, policyIDs(res.Results))
	assert.True(t, res.Results[0].Allowed)
	assert.False(t, res.Results[1].Allowed)
	assert.Equal(t, int32(1), c1.Load())
	assert.Equal(t, int32(1), c2.Load())
	assert.Equal(t, int32(0), c3.Load(), "p3 must not run after a denial under ALL")
}

func TestEvaluate_AnyShortCircuitsOnFirstAllow(t *testing.T) {
	var c1, c2, c3 atomic.Int32
	reg := newTestRegistry(
		denyPolicy("p1", "nope", &c1),
		allowPolicy("p2", &c2),
		denyPolicy("p3", "never", &c3),
	)

	res, err := quietEvaluator().Evaluate(context.Background(), reg, newTestContext(), OperatorAny, "")
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Equal(t, []string{}, res.Reasons)
	assert.Equal(t, []string{"p1", "p2"}, policyIDs(res.Results))
	assert.Equal(t, int32(0), c3.Load(), "p3 must not run after an allow under ANY")
}

func TestEvaluate_NoShortCircuit(t *testing.T) {
	tests := []struct {
		name        string
		defs        []Definition[testContext]
		op          Operator
		wantAllowed bool
		wantReasons []string
	}{
		{
			name:        "ALL with every policy allowing",
			defs:        []Definition[testContext]{allowPolicy("a", nil), allowPolicy("b", nil)},
			op:          OperatorAll,
			wantAllowed: true,
			wantReasons: []string{},
		},
		{
			name:        "ANY with every policy denying",
			defs:        []Definition[testContext]{denyPolicy("a", "r1", nil), denyPolicy("b", "r2", nil)},
			op:          OperatorAny,
			wantAllowed: false,
			wantReasons: []string{"r1", "r2"},
		},
		{
			name:        "ANY ignores empty reasons",
			defs:        []Definition[testContext]{denyPolicy("a", "", nil), denyPolicy("b", "r2", nil)},
			op:          OperatorAny,
			wantAllowed: false,
			wantReasons: []string{"r2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := quietEvaluator().Evaluate(context.Background(), newTestRegistry(tt.defs...), newTestContext(), tt.op, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, res.Allowed)
			assert.Equal(t, tt.wantReasons, res.Reasons)
			assert.Len(t, res.Results, len(tt.defs))
		})
	}
}

func TestEvaluate_EmptyRegistry(t *testing.T) {
	reg := NewRegistry[testContext]("empty")
	ev := quietEvaluator()

	anyRes, err := ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAny, "")
	require.NoError(t, err)
	assert.Equal(t, EvaluationResult{
		Allowed: false,
		Reasons: []string{NoPoliciesMatchedReason},
		Results: []Result{},
	}, anyRes)

	allRes, err := ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
	require.NoError(t, err)
	assert.Equal(t, EvaluationResult{
		Allowed: true,
		Reasons: []string{},
		Results: []Result{},
	}, allRes)
}

func TestEvaluate_StageFilterMatchingNothing(t *testing.T) {
	var calls atomic.Int32
	reg := newTestRegistry(countingPolicy("submit-only", []Stage{"submission"}, Allow(nil), &calls))

	res, err := quietEvaluator().Evaluate(context.Background(), reg, newTestContext(), OperatorAny, "preliminary")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{NoPoliciesMatchedReason}, res.Reasons)
	assert.Empty(t, res.Results)
	assert.Equal(t, int32(0), calls.Load())
}

func TestEvaluate_StageFiltering(t *testing.T) {
	var subCalls, allCalls atomic.Int32
	reg := newTestRegistry(
		countingPolicy("everywhere", nil, Allow(nil), &allCalls),
		countingPolicy("submit-only", []Stage{"submission"}, DenyWithReason("blocked", nil), &subCalls),
	)
	ev := quietEvaluator()

	res, err := ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "preliminary")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, []string{"everywhere"}, policyIDs(res.Results))
	assert.Equal(t, int32(0), subCalls.Load())

	res, err = ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "submission")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"blocked"}, res.Reasons)
	assert.Equal(t, "submission", res.Results[1].Metadata[MetadataStage])
	assert.Equal(t, int32(1), subCalls.Load())

	res, err = ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "empty stage runs every policy")
	assert.Equal(t, int32(2), subCalls.Load())
	assert.Equal(t, int32(3), allCalls.Load())
}

func TestEvaluate_FaultContainment(t *testing.T) {
	var after atomic.Int32
	reg := newTestRegistry(
		failingPolicy("broken"),
		allowPolicy("after", &after),
	)

	var logs bytes.Buffer
	ev := NewEvaluator[testContext](WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	var res EvaluationResult
	require.NotPanics(t, func() {
		var err error
		res, err = ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAny, "submission")
		require.NoError(t, err)
	})

	assert.True(t, res.Allowed, "a broken policy must not abort the evaluation")
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Allowed)
	assert.Equal(t, CodePolicyEvaluationError, res.Results[0].Metadata[MetadataCode])
	assert.Equal(t, "boom", res.Results[0].Metadata[MetadataError])
	assert.Equal(t, int32(1), after.Load())

	assert.Contains(t, logs.String(), "policy evaluation fault")
	assert.Contains(t, logs.String(), `"policy_id":"broken"`)
}

func TestEvaluate_Immutability(t *testing.T) {
	mutator := MustDefine(Spec[testContext, struct{}]{
		ID: "mutator",
		Evaluate: func(_ context.Context, c testContext, _ struct{}, _ Stage) (Result, error) {
			c.AccountID = "mutated"
			c.Tags = append(c.Tags[:0], "mutated")
			c.Limits.Seats = -1
			c.Limits.Domains[0] = "evil.example"
			c.Counters["members"] = -1
			c.Metadata["injected"] = true
			return Allow(nil), nil
		},
	})

	var observed testContext
	observer := MustDefine(Spec[testContext, struct{}]{
		ID: "observer",
		Evaluate: func(_ context.Context, c testContext, _ struct{}, _ Stage) (Result, error) {
			observed = c
			return Allow(nil), nil
		},
	})

	original := newTestContext()
	reg := newTestRegistry(mutator, observer)

	res, err := quietEvaluator().Evaluate(context.Background(), reg, original, OperatorAll, "")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	want := newTestContext()
	for _, got := range []testContext{original, observed} {
		assert.Equal(t, want.AccountID, got.AccountID)
		assert.Equal(t, want.Tags, got.Tags)
		assert.Equal(t, want.Limits, got.Limits)
		assert.Equal(t, want.Counters, got.Counters)
		assert.Equal(t, want.Metadata, got.Metadata)
	}
}

type linkedContext struct {
	Root   *node
	hidden string
}

func TestEvaluate_CyclicContextImmutability(t *testing.T) {
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b
	original := linkedContext{Root: a, hidden: "internal"}

	mutator := MustDefine(Spec[linkedContext, struct{}]{
		ID: "mutator",
		Evaluate: func(_ context.Context, c linkedContext, _ struct{}, _ Stage) (Result, error) {
			c.Root.Next.Name = "mutated"
			c.Root.Next.Next.Name = "mutated"
			return Allow(nil), nil
		},
	})

	var seen []string
	observer := MustDefine(Spec[linkedContext, struct{}]{
		ID: "observer",
		Evaluate: func(_ context.Context, c linkedContext, _ struct{}, _ Stage) (Result, error) {
			seen = append(seen, c.Root.Name, c.Root.Next.Name, c.hidden)
			if c.Root.Next.Next != c.Root {
				return DenyWithReason("cycle lost", nil), nil
			}
			return Allow(nil), nil
		},
	})

	reg := NewRegistry[linkedContext]("cyclic").MustRegister(mutator, observer)
	res, err := NewEvaluator[linkedContext](WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))).
		Evaluate(context.Background(), reg, original, OperatorAll, "")
	require.NoError(t, err)

	assert.True(t, res.Allowed, "reasons: %v", res.Reasons)
	assert.Equal(t, []string{"a", "b", "internal"}, seen)
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, "b", b.Name)
}

func TestEvaluate_InvalidOperator(t *testing.T) {
	_, err := quietEvaluator().Evaluate(context.Background(), newTestRegistry(), newTestContext(), "XOR", "")
	errutil.AssertErrorCode(t, err, CodeInvalidOperator)
}

func TestEvaluate_NilRegistry(t *testing.T) {
	_, err := quietEvaluator().Evaluate(context.Background(), nil, newTestContext(), OperatorAll, "")
	errutil.AssertErrorCode(t, err, CodeInvalidPolicyDefinition)
}

func TestEvaluate_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var second atomic.Int32
	canceller := MustDefine(Spec[testContext, struct{}]{
		ID: "canceller",
		Evaluate: func(context.Context, testContext, struct{}, Stage) (Result, error) {
			cancel()
			return Allow(nil), nil
		},
	})
	reg := newTestRegistry(canceller, allowPolicy("second", &second))

	_, err := quietEvaluator().Evaluate(ctx, reg, newTestContext(), OperatorAll, "")
	errutil.AssertErrorCode(t, err, CodeEvaluationCancelled)
	errutil.AssertErrorContext(t, err, "policy_id", "second")
	assert.Equal(t, int32(0), second.Load())
}

func TestEvaluate_ConfiguredPolicy(t *testing.T) {
	def := MustDefine(Spec[testContext, seatConfig]{
		ID:     "seat-limit",
		Config: MustSchemaFor[seatConfig](),
		Evaluate: func(_ context.Context, c testContext, cfg seatConfig, _ Stage) (Result, error) {
			if c.Counters["members"] >= cfg.Max {
				return DenyWithReason("too many members", nil), nil
			}
			return Allow(nil), nil
		},
	})
	reg := NewRegistry[testContext]("configured")
	require.NoError(t, reg.RegisterConfigured(def, map[string]any{"max": 3}))

	res, err := quietEvaluator().Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"too many members"}, res.Reasons)
}

func TestEvaluate_LoaderFailureIsConfigurationError(t *testing.T) {
	reg := NewRegistry[testContext]("loader")
	require.NoError(t, reg.RegisterLoader("mismatch", func(context.Context) (Definition[testContext], error) {
		return allowPolicy("other", nil), nil
	}))

	_, err := quietEvaluator().Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
	errutil.AssertErrorCode(t, err, CodeInvalidPolicyDefinition)
}

func TestEvaluate_ClearCacheDoesNotChangeResults(t *testing.T) {
	reg := newTestRegistry(
		allowPolicy("p1", nil),
		countingPolicy("p2", []Stage{"submission"}, DenyWithReason("x", nil), nil),
		allowPolicy("p3", nil),
	)
	ev := quietEvaluator()

	run := func() []EvaluationResult {
		var out []EvaluationResult
		for _, op := range []Operator{OperatorAll, OperatorAny} {
			for _, stage := range []Stage{"", "preliminary", "submission"} {
				res, err := ev.Evaluate(context.Background(), reg, newTestContext(), op, stage)
				require.NoError(t, err)
				out = append(out, res)
			}
		}
		return out
	}

	warm := run()
	cached := run()
	ev.ClearCache()
	assert.Zero(t, ev.cacheFor(reg).Len())
	cleared := run()

	assert.Equal(t, warm, cached)
	assert.Equal(t, warm, cleared)
}

func TestEvaluate_ClearCacheKeepsOneCachePerRegistry(t *testing.T) {
	reg := newTestRegistry(allowPolicy("p1", nil), allowPolicy("p2", nil))
	ev := quietEvaluator()

	_, err := ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
	require.NoError(t, err)
	first := ev.cacheFor(reg)

	for range 5 {
		ev.ClearCache()
		require.Zero(t, first.Len())

		_, err := ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, ev.cachedRegistries())
	assert.Same(t, first, ev.cacheFor(reg), "cleared caches are reused, not replaced")
	assert.Equal(t, 2, first.Len())
}

func TestEvaluate_CacheIsPerRegistryAndBounded(t *testing.T) {
	regA := NewRegistry[testContext]("cache-a").MustRegister(
		allowPolicy("p1", nil), allowPolicy("p2", nil), allowPolicy("p3", nil),
	)
	regB := NewRegistry[testContext]("cache-b").MustRegister(allowPolicy("p1", nil))
	ev := quietEvaluator(WithCacheSize(2))

	_, err := ev.Evaluate(context.Background(), regA, newTestContext(), OperatorAll, "")
	require.NoError(t, err)
	_, err = ev.Evaluate(context.Background(), regB, newTestContext(), OperatorAll, "")
	require.NoError(t, err)

	assert.Equal(t, 2, ev.cachedRegistries())
	assert.Equal(t, 2, ev.cacheFor(regA).Len())
	assert.Equal(t, 1, ev.cacheFor(regB).Len())

	hitsBefore := testutil.ToFloat64(definitionCacheTotal.WithLabelValues("cache-b", "hit"))
	_, err = ev.Evaluate(context.Background(), regB, newTestContext(), OperatorAll, "")
	require.NoError(t, err)
	assert.Equal(t, hitsBefore+1, testutil.ToFloat64(definitionCacheTotal.WithLabelValues("cache-b", "hit")))

	runtime.KeepAlive(regA)
	runtime.KeepAlive(regB)
}

func TestEvaluate_UnreachableRegistryDropsCache(t *testing.T) {
	ev := quietEvaluator()

	func() {
		reg := NewRegistry[testContext]("ephemeral").MustRegister(allowPolicy("p", nil))
		_, err := ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "")
		require.NoError(t, err)
		require.Equal(t, 1, ev.cachedRegistries())
	}()

	assert.Eventually(t, func() bool {
		runtime.GC()
		return ev.cachedRegistries() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEvaluate_ObserverAndMetrics(t *testing.T) {
	obs := &recordingObserver{}
	ev := quietEvaluator(WithObserver(obs))
	reg := NewRegistry[testContext]("metrics-test").MustRegister(
		allowPolicy("metrics-allow", nil),
		denyPolicy("metrics-deny", "denied", nil),
	)

	denied := evaluationsTotal.WithLabelValues("metrics-test", "ALL", outcomeDeny)
	before := testutil.ToFloat64(denied)
	denyBefore := testutil.ToFloat64(policyResultsTotal.WithLabelValues("metrics-deny", outcomeDeny))

	res, err := ev.Evaluate(context.Background(), reg, newTestContext(), OperatorAll, "submission")
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(denied))
	assert.Equal(t, denyBefore+1, testutil.ToFloat64(policyResultsTotal.WithLabelValues("metrics-deny", outcomeDeny)))

	require.Len(t, obs.evaluations, 1)
	got := obs.evaluations[0]
	assert.Equal(t, "metrics-test", got.Registry)
	assert.Equal(t, Stage("submission"), got.Stage)
	assert.Equal(t, OperatorAll, got.Operator)
	assert.Equal(t, res, got.Result)
	assert.False(t, got.Started.IsZero())
}

func TestHasPoliciesForStage(t *testing.T) {
	ev := quietEvaluator()

	tests := []struct {
		name  string
		defs  []Definition[testContext]
		stage Stage
		want  bool
	}{
		{name: "empty registry", stage: "submission", want: false},
		{
			name:  "unrestricted policy",
			defs:  []Definition[testContext]{allowPolicy("a", nil)},
			stage: "submission",
			want:  true,
		},
		{
			name:  "matching stage",
			defs:  []Definition[testContext]{countingPolicy("a", []Stage{"preliminary", "submission"}, Allow(nil), nil)},
			stage: "submission",
			want:  true,
		},
		{
			name:  "no matching stage",
			defs:  []Definition[testContext]{countingPolicy("a", []Stage{"preliminary"}, Allow(nil), nil)},
			stage: "submission",
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.HasPoliciesForStage(context.Background(), newTestRegistry(tt.defs...), tt.stage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResultOutcome(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want string
	}{
		{name: "allow", r: Allow(nil), want: outcomeAllow},
		{name: "deny", r: DenyWithReason("no", nil), want: outcomeDeny},
		{name: "skip", r: Allow(map[string]any{MetadataSkipped: true}), want: outcomeSkip},
		{name: "fault", r: faultResult("p", "", "boom"), want: outcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resultOutcome(tt.r))
		})
	}
}
