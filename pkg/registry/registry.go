// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package registry provides a keyed plugin map whose values are built
// lazily by registered factories.
package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/oops"
)

// Error codes returned by Registry.
const (
	CodeDuplicateKey = "DUPLICATE_KEY"
	CodeUnknownKey   = "UNKNOWN_KEY"
	CodeInvalidKey   = "INVALID_KEY"
)

// Factory builds the value for a key. It runs at most once successfully;
// a failed build is retried on the next Get.
type Factory[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	factory Factory[V]

	mu    sync.Mutex
	built bool
	value V
}

// Registry maps string keys to lazily constructed values, remembering
// registration order. It is safe for concurrent use.
type Registry[V any] struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry[V]
}

// New creates an empty Registry.
func New[V any]() *Registry[V] {
	return &Registry[V]{entries: make(map[string]*entry[V])}
}

// Register adds a factory under key. Registering a key twice is an error.
func (r *Registry[V]) Register(key string, factory Factory[V]) error {
	if key == "" {
		return oops.Code(CodeInvalidKey).Errorf("registry key must be non-empty")
	}
	if factory == nil {
		return oops.Code(CodeInvalidKey).With("key", key).Errorf("factory must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return oops.Code(CodeDuplicateKey).With("key", key).Errorf("key %q is already registered", key)
	}
	r.entries[key] = &entry[V]{factory: factory}
	r.order = append(r.order, key)
	return nil
}

// RegisterValue adds an already built value under key.
func (r *Registry[V]) RegisterValue(key string, value V) error {
	return r.Register(key, func(context.Context) (V, error) { return value, nil })
}

// Get returns the value for key, building it on first use.
func (r *Registry[V]) Get(ctx context.Context, key string) (V, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()

	if !ok {
		var zero V
		return zero, oops.Code(CodeUnknownKey).With("key", key).Errorf("key %q is not registered", key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.built {
		return e.value, nil
	}
	v, err := e.factory(ctx)
	if err != nil {
		var zero V
		return zero, oops.With("key", key).Wrap(err)
	}
	e.value = v
	e.built = true
	return v, nil
}

// Has reports whether key is registered.
func (r *Registry[V]) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Keys returns registered keys in registration order.
func (r *Registry[V]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered keys.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
