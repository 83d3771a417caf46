// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"context"

	"github.com/samber/oops"

	"github.com/teamkit/teamkit/pkg/errutil"
	"github.com/teamkit/teamkit/pkg/registry"
)

// Loader builds a definition on first lookup.
type Loader[C any] func(ctx context.Context) (Definition[C], error)

type registration[C any] struct {
	def    Definition[C]
	config any
}

// Registry is a named collection of policy definitions. IDs are unique
// within one registry; separate registries are independent namespaces.
// It is safe for concurrent use.
type Registry[C any] struct {
	name    string
	entries *registry.Registry[registration[C]]
}

// NewRegistry creates an empty registry.
func NewRegistry[C any](name string) *Registry[C] {
	return &Registry[C]{
		name:    name,
		entries: registry.New[registration[C]](),
	}
}

// Name returns the registry name, used in metrics, logs and audit entries.
func (r *Registry[C]) Name() string {
	return r.name
}

// Register adds def without configuration.
func (r *Registry[C]) Register(def Definition[C]) error {
	return r.RegisterConfigured(def, nil)
}

// RegisterConfigured adds def with a configuration that is passed to
// Create on every evaluation. The configuration is validated now so a bad
// value fails at startup rather than per request.
func (r *Registry[C]) RegisterConfigured(def Definition[C], config any) error {
	if def == nil {
		return oops.Code(CodeInvalidPolicyDefinition).With("registry", r.name).Errorf("policy definition must not be nil")
	}
	if err := def.ValidateConfig(config); err != nil {
		return oops.With("registry", r.name).Wrap(err)
	}

	err := r.entries.RegisterValue(def.ID(), registration[C]{def: def, config: config})
	return r.mapRegisterError(def.ID(), err)
}

// RegisterLoader reserves id for a definition that is built on first
// lookup. The loaded definition must carry the same id.
func (r *Registry[C]) RegisterLoader(id string, loader Loader[C]) error {
	if loader == nil {
		return oops.Code(CodeInvalidPolicyDefinition).With("registry", r.name, "policy_id", id).Errorf("policy loader must not be nil")
	}

	err := r.entries.Register(id, func(ctx context.Context) (registration[C], error) {
		def, err := loader(ctx)
		if err != nil {
			return registration[C]{}, err
		}
		if def == nil || def.ID() != id {
			return registration[C]{}, oops.
				Code(CodeInvalidPolicyDefinition).
				With("registry", r.name, "policy_id", id).
				Errorf("loader for %q returned a mismatched definition", id)
		}
		return registration[C]{def: def}, nil
	})
	return r.mapRegisterError(id, err)
}

// MustRegister registers every definition and panics on the first error.
// It returns the registry so calls can be chained.
func (r *Registry[C]) MustRegister(defs ...Definition[C]) *Registry[C] {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the definition registered under id.
func (r *Registry[C]) Get(ctx context.Context, id string) (Definition[C], error) {
	reg, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return reg.def, nil
}

// Has reports whether id is registered.
func (r *Registry[C]) Has(id string) bool {
	return r.entries.Has(id)
}

// List returns all registered ids in registration order.
func (r *Registry[C]) List() []string {
	return r.entries.Keys()
}

func (r *Registry[C]) lookup(ctx context.Context, id string) (registration[C], error) {
	reg, err := r.entries.Get(ctx, id)
	if err == nil {
		return reg, nil
	}
	if errutil.CodeOf(err) == registry.CodeUnknownKey {
		return registration[C]{}, oops.
			Code(CodePolicyNotFound).
			With("registry", r.name, "policy_id", id).
			Errorf("policy %q is not registered in %q", id, r.name)
	}
	return registration[C]{}, oops.With("registry", r.name, "policy_id", id).Wrap(err)
}

func (r *Registry[C]) mapRegisterError(id string, err error) error {
	if err == nil {
		return nil
	}
	switch errutil.CodeOf(err) {
	case registry.CodeDuplicateKey:
		return oops.
			Code(CodeDuplicatePolicy).
			With("registry", r.name, "policy_id", id).
			Errorf("policy %q is already registered in %q", id, r.name)
	case registry.CodeInvalidKey:
		return oops.
			Code(CodeInvalidPolicyDefinition).
			With("registry", r.name).
			Errorf("policy id must be non-empty")
	default:
		return oops.With("registry", r.name, "policy_id", id).Wrap(err)
	}
}
