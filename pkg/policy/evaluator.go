// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/teamkit/teamkit/pkg/policy"

// Evaluation summarizes one completed evaluation for observers.
type Evaluation struct {
	Registry string
	Stage    Stage
	Operator Operator
	Result   EvaluationResult
	Started  time.Time
	Duration time.Duration
}

// Observer is notified after every completed evaluation. Implementations
// must not block; the audit logger is the canonical one.
type Observer interface {
	ObserveEvaluation(ctx context.Context, ev Evaluation)
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*evaluatorConfig)

type evaluatorConfig struct {
	cacheSize int
	logger    *slog.Logger
	observer  Observer
	tracer    trace.Tracer
}

// WithCacheSize bounds the per-registry definition cache.
func WithCacheSize(n int) EvaluatorOption {
	return func(c *evaluatorConfig) {
		c.cacheSize = n
	}
}

// WithLogger sets the logger used for policy faults and debug output.
func WithLogger(l *slog.Logger) EvaluatorOption {
	return func(c *evaluatorConfig) {
		c.logger = l
	}
}

// WithObserver registers an observer for completed evaluations.
func WithObserver(o Observer) EvaluatorOption {
	return func(c *evaluatorConfig) {
		c.observer = o
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) EvaluatorOption {
	return func(c *evaluatorConfig) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// Evaluator runs policies against a context and combines their results.
//
// Policies run sequentially in registration (or list) order so that
// "first denial" and "first allow" are well defined. Definitions resolved
// from a registry are cached per registry; a registry that becomes
// unreachable drops its cache entry when it is garbage collected.
type Evaluator[C any] struct {
	cfg evaluatorConfig

	mu     sync.Mutex
	caches map[weak.Pointer[Registry[C]]]*lruCache[registration[C]]
}

// NewEvaluator creates an Evaluator.
func NewEvaluator[C any](opts ...EvaluatorOption) *Evaluator[C] {
	cfg := evaluatorConfig{
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}

	return &Evaluator[C]{
		cfg:    cfg,
		caches: make(map[weak.Pointer[Registry[C]]]*lruCache[registration[C]]),
	}
}

// Evaluate runs the policies of reg against c.
//
// An empty stage runs every policy; otherwise policies restricted to other
// stages are skipped without being instantiated. ALL stops at the first
// denial and ANY at the first allow. An ANY evaluation with nothing to
// evaluate is denied with NoPoliciesMatchedReason.
//
// Errors are reserved for misconfiguration (unknown operator, failed
// definition lookup, invalid config) and cancellation of ctx; denials and
// policy faults are returned as data.
func (e *Evaluator[C]) Evaluate(ctx context.Context, reg *Registry[C], c C, op Operator, stage Stage) (EvaluationResult, error) {
	if reg == nil {
		return EvaluationResult{}, oops.Code(CodeInvalidPolicyDefinition).Errorf("registry must not be nil")
	}
	if err := op.Validate(); err != nil {
		return EvaluationResult{}, oops.Code(CodeInvalidOperator).With("registry", reg.Name()).Wrap(err)
	}

	start := time.Now()
	ctx, span := e.cfg.tracer.Start(ctx, "policy.Evaluate", trace.WithAttributes(
		attribute.String("policy.registry", reg.Name()),
		attribute.String("policy.operator", string(op)),
		attribute.String("policy.stage", string(stage)),
	))
	defer span.End()

	agg := newAggregator(op)
	for _, id := range reg.List() {
		if err := ctx.Err(); err != nil {
			return EvaluationResult{}, e.fail(span, oops.
				Code(CodeEvaluationCancelled).
				With("registry", reg.Name(), "policy_id", id).
				Wrapf(err, "evaluation cancelled"))
		}

		entry, err := e.resolve(ctx, reg, id)
		if err != nil {
			return EvaluationResult{}, e.fail(span, err)
		}
		if !entry.def.AppliesTo(stage) {
			continue
		}

		bound, err := entry.def.Create(c, entry.config)
		if err != nil {
			return EvaluationResult{}, e.fail(span, oops.With("registry", reg.Name()).Wrap(err))
		}

		result := bound.Evaluate(ctx, stage)
		e.noteResult(ctx, reg.Name(), result)
		if agg.add(result) {
			break
		}
	}

	res := agg.result()
	span.SetAttributes(
		attribute.Bool("policy.allowed", res.Allowed),
		attribute.Int("policy.results", len(res.Results)),
	)
	e.finish(ctx, Evaluation{
		Registry: reg.Name(),
		Stage:    stage,
		Operator: op,
		Result:   res,
		Started:  start,
		Duration: time.Since(start),
	})
	return res, nil
}

// HasPoliciesForStage reports whether any policy in reg would run at
// stage. Callers use it to skip building a context nobody would read.
func (e *Evaluator[C]) HasPoliciesForStage(ctx context.Context, reg *Registry[C], stage Stage) (bool, error) {
	if reg == nil {
		return false, oops.Code(CodeInvalidPolicyDefinition).Errorf("registry must not be nil")
	}
	for _, id := range reg.List() {
		entry, err := e.resolve(ctx, reg, id)
		if err != nil {
			return false, err
		}
		if entry.def.AppliesTo(stage) {
			return true, nil
		}
	}
	return false, nil
}

// ClearCache drops every cached definition lookup. Each registry keeps its
// (now empty) cache, so the collection cleanup registered for it stays the
// only one.
func (e *Evaluator[C]) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cache := range e.caches {
		cache.Clear()
	}
}

func (e *Evaluator[C]) resolve(ctx context.Context, reg *Registry[C], id string) (registration[C], error) {
	cache := e.cacheFor(reg)
	if entry, ok := cache.Get(id); ok {
		recordCacheLookup(reg.Name(), true)
		return entry, nil
	}
	recordCacheLookup(reg.Name(), false)

	entry, err := reg.lookup(ctx, id)
	if err != nil {
		return registration[C]{}, err
	}
	cache.Put(id, entry)
	return entry, nil
}

func (e *Evaluator[C]) cacheFor(reg *Registry[C]) *lruCache[registration[C]] {
	key := weak.Make(reg)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cache, ok := e.caches[key]; ok {
		return cache
	}
	cache := newLRUCache[registration[C]](e.cfg.cacheSize)
	e.caches[key] = cache
	runtime.AddCleanup(reg, e.dropCache, key)
	return cache
}

func (e *Evaluator[C]) dropCache(key weak.Pointer[Registry[C]]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.caches, key)
}

// cachedRegistries returns the number of registries with a live cache.
func (e *Evaluator[C]) cachedRegistries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.caches)
}

func (e *Evaluator[C]) noteResult(ctx context.Context, registry string, r Result) {
	recordPolicyResult(r)
	if resultOutcome(r) != outcomeError {
		return
	}
	e.cfg.logger.WarnContext(ctx, "policy evaluation fault",
		"registry", registry,
		"policy_id", r.PolicyID(),
		"stage", r.Metadata[MetadataStage],
		"error", r.Metadata[MetadataError],
	)
}

func (e *Evaluator[C]) finish(ctx context.Context, ev Evaluation) {
	recordEvaluation(ev.Registry, ev.Operator, ev.Result.Allowed, ev.Duration)
	e.cfg.logger.DebugContext(ctx, "policy evaluation complete",
		"registry", ev.Registry,
		"operator", string(ev.Operator),
		"stage", string(ev.Stage),
		"allowed", ev.Result.Allowed,
		"results", len(ev.Result.Results),
		"duration_us", ev.Duration.Microseconds(),
	)
	if e.cfg.observer != nil {
		e.cfg.observer.ObserveEvaluation(ctx, ev)
	}
}

func (e *Evaluator[C]) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// aggregator accumulates results in order and decides when to stop.
type aggregator struct {
	op      Operator
	results []Result
	reasons []string
	decided bool
	allowed bool
}

func newAggregator(op Operator) *aggregator {
	return &aggregator{
		op:      op,
		results: []Result{},
		reasons: []string{},
	}
}

// add records r and reports whether evaluation can stop.
func (a *aggregator) add(r Result) bool {
	a.results = append(a.results, r)
	if !r.Allowed && r.Reason != "" {
		a.reasons = append(a.reasons, r.Reason)
	}

	switch {
	case a.op == OperatorAll && !r.Allowed:
		a.decided, a.allowed = true, false
	case a.op == OperatorAny && r.Allowed:
		a.decided, a.allowed = true, true
	}
	return a.decided
}

func (a *aggregator) result() EvaluationResult {
	if a.decided {
		reasons := a.reasons
		if a.allowed {
			reasons = []string{}
		}
		return EvaluationResult{Allowed: a.allowed, Reasons: reasons, Results: a.results}
	}

	if a.op == OperatorAny {
		if len(a.results) == 0 {
			return EvaluationResult{
				Allowed: false,
				Reasons: []string{NoPoliciesMatchedReason},
				Results: []Result{},
			}
		}
		// No short-circuit under ANY means nothing allowed.
		return EvaluationResult{Allowed: false, Reasons: a.reasons, Results: a.results}
	}

	// No short-circuit under ALL means everything allowed, including the
	// vacuous case.
	return EvaluationResult{Allowed: true, Reasons: a.reasons, Results: a.results}
}
