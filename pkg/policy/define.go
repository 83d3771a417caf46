// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samber/oops"
)

// unknownFaultMessage is used when a policy panics with a value that carries
// no message.
const unknownFaultMessage = "Unknown policy evaluation error"

// EvaluateFunc is the business rule of a policy. It receives a private copy
// of the context and the decoded configuration.
type EvaluateFunc[C, Cfg any] func(ctx context.Context, c C, cfg Cfg, stage Stage) (Result, error)

// Spec describes a policy for Define.
type Spec[C, Cfg any] struct {
	// ID must be non-empty and unique within the registries it joins.
	ID string
	// Stages restricts the policy to the listed stages. Nil means all stages.
	Stages []Stage
	// Config validates configuration passed to Create. Optional.
	Config *ConfigSchema
	// Evaluate is the rule itself.
	Evaluate EvaluateFunc[C, Cfg]
}

// Definition is a named, stateless policy blueprint.
type Definition[C any] interface {
	ID() string
	// Stages returns the stage allow-list, or nil when the policy applies to
	// every stage.
	Stages() []Stage
	// AppliesTo reports whether the policy runs at stage. The empty stage
	// matches every policy.
	AppliesTo(stage Stage) bool
	// ValidateConfig checks config against the definition's schema.
	ValidateConfig(config any) error
	// Create binds the definition to an immutable snapshot of c. A nil config
	// skips validation and leaves the configuration at its zero value.
	Create(c C, config any) (PolicyEvaluator[C], error)
}

// PolicyEvaluator is a definition bound to one context snapshot.
type PolicyEvaluator[C any] interface {
	// Evaluate judges the snapshot at stage. It never panics and never
	// returns an error: faults become POLICY_EVALUATION_ERROR denials.
	Evaluate(ctx context.Context, stage Stage) Result
	// Context returns a copy of the snapshot, for inspection.
	Context() C
}

// Define builds a Definition from spec.
func Define[C, Cfg any](spec Spec[C, Cfg]) (Definition[C], error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, oops.Code(CodeInvalidPolicyDefinition).Errorf("policy id must be non-empty")
	}
	if spec.Evaluate == nil {
		return nil, oops.Code(CodeInvalidPolicyDefinition).With("policy_id", id).Errorf("policy evaluate function is required")
	}

	return &definition[C, Cfg]{
		id:         id,
		stages:     slices.Clone(spec.Stages),
		restricted: spec.Stages != nil,
		schema:     spec.Config,
		evaluate:   spec.Evaluate,
	}, nil
}

// MustDefine is like Define but panics on error.
func MustDefine[C, Cfg any](spec Spec[C, Cfg]) Definition[C] {
	def, err := Define(spec)
	if err != nil {
		panic(err)
	}
	return def
}

type definition[C, Cfg any] struct {
	id         string
	stages     []Stage
	restricted bool
	schema     *ConfigSchema
	evaluate   EvaluateFunc[C, Cfg]
}

func (d *definition[C, Cfg]) ID() string { return d.id }

func (d *definition[C, Cfg]) Stages() []Stage {
	if !d.restricted {
		return nil
	}
	return slices.Clone(d.stages)
}

func (d *definition[C, Cfg]) AppliesTo(stage Stage) bool {
	if stage == "" || !d.restricted {
		return true
	}
	return slices.Contains(d.stages, stage)
}

func (d *definition[C, Cfg]) ValidateConfig(config any) error {
	if config == nil || d.schema == nil {
		return nil
	}
	if err := d.schema.Validate(config); err != nil {
		return oops.With("policy_id", d.id).Wrap(err)
	}
	return nil
}

func (d *definition[C, Cfg]) Create(c C, config any) (PolicyEvaluator[C], error) {
	var cfg Cfg
	if config != nil {
		if err := d.ValidateConfig(config); err != nil {
			return nil, err
		}
		decoded, err := decodeConfig[Cfg](config)
		if err != nil {
			return nil, oops.Code(CodeInvalidPolicyConfig).With("policy_id", d.id).Wrap(err)
		}
		cfg = decoded
	}

	return &boundPolicy[C, Cfg]{
		def:      d,
		snapshot: NewSnapshot(c),
		cfg:      cfg,
	}, nil
}

// decodeConfig accepts either a Cfg value or any JSON-compatible value
// (typically a map loaded from configuration files).
func decodeConfig[Cfg any](config any) (Cfg, error) {
	if cfg, ok := config.(Cfg); ok {
		return Clone(cfg), nil
	}
	var cfg Cfg
	data, err := json.Marshal(config)
	if err != nil {
		return cfg, fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

type boundPolicy[C, Cfg any] struct {
	def      *definition[C, Cfg]
	snapshot *Snapshot[C]
	cfg      Cfg
}

func (p *boundPolicy[C, Cfg]) Context() C {
	return p.snapshot.Value()
}

func (p *boundPolicy[C, Cfg]) Evaluate(ctx context.Context, stage Stage) (result Result) {
	if !p.def.AppliesTo(stage) {
		return Allow(map[string]any{
			MetadataSkipped:  true,
			MetadataReason:   "Policy not applicable for stage: " + string(stage),
			MetadataPolicyID: p.def.id,
			MetadataStage:    string(stage),
		})
	}

	defer func() {
		if r := recover(); r != nil {
			result = faultResult(p.def.id, stage, panicMessage(r))
		}
	}()

	res, err := p.def.evaluate(ctx, p.snapshot.Value(), p.cfg, stage)
	if code, ok := asErrorCode(err); ok {
		return DenyWithCode(code, map[string]any{
			MetadataPolicyID: p.def.id,
			MetadataStage:    string(stage),
		})
	}
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = unknownFaultMessage
		}
		return faultResult(p.def.id, stage, msg)
	}

	md := map[string]any{
		MetadataPolicyID: p.def.id,
		MetadataStage:    string(stage),
	}
	maps.Copy(md, res.Metadata)
	res.Metadata = md
	return res
}

// asErrorCode reports whether err is, or wraps, an ErrorCode. Such an error
// is a structured denial, not a fault.
func asErrorCode(err error) (ErrorCode, bool) {
	if err == nil {
		return ErrorCode{}, false
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code, true
	}
	var ptr *ErrorCode
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return ErrorCode{}, false
}

func faultResult(policyID string, stage Stage, msg string) Result {
	return DenyWithCode(ErrorCode{
		Code:    CodePolicyEvaluationError,
		Message: msg,
	}, map[string]any{
		MetadataPolicyID: policyID,
		MetadataStage:    string(stage),
		MetadataError:    msg,
	})
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		if v.Error() != "" {
			return v.Error()
		}
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	}
	return unknownFaultMessage
}
