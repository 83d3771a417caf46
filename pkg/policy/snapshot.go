// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"reflect"

	"github.com/mitchellh/copystructure"
)

// Snapshot holds an immutable copy of a policy context.
//
// Go has no runtime freeze, so immutability is enforced by ownership: the
// snapshot keeps a private deep clone and every read hands out a fresh deep
// clone. A policy may mutate what it receives; the change is never visible
// to the caller's original, to the snapshot, or to any other policy.
//
// Cyclic and shared references keep their shape in the clone. Unexported
// struct fields are copied by value, so pointers reachable only through them
// are shared. Function and channel values are shared by reference.
type Snapshot[C any] struct {
	value C
}

// NewSnapshot clones value into a new Snapshot.
func NewSnapshot[C any](value C) *Snapshot[C] {
	return &Snapshot[C]{value: Clone(value)}
}

// Value returns a private deep clone of the snapshotted context.
func (s *Snapshot[C]) Value() C {
	return Clone(s.value)
}

// Clone returns a deep clone of v. Plain trees go through copystructure;
// graphs with cycles, or with structs copystructure would zero out, are
// copied node by node.
func Clone[C any](v C) C {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return v
	}
	if needsGraphCopy(rv) {
		return graphCopy(v)
	}
	out, err := copystructure.Copy(v)
	if err != nil {
		return graphCopy(v)
	}
	c, ok := out.(C)
	if !ok {
		return graphCopy(v)
	}
	return c
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

func keyOf(v reflect.Value) visitKey {
	k := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		k.len = v.Len()
	}
	return k
}

// graphCopy deep-copies v, mapping every pointer, map and slice it meets to
// exactly one copy.
func graphCopy[C any](v C) C {
	g := &graphCloner{seen: make(map[visitKey]reflect.Value)}
	if c, ok := g.clone(reflect.ValueOf(v)).Interface().(C); ok {
		return c
	}
	return v
}

type graphCloner struct {
	seen map[visitKey]reflect.Value
}

func (g *graphCloner) clone(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		key := keyOf(v)
		if cp, ok := g.seen[key]; ok {
			return cp
		}
		cp := reflect.New(v.Type().Elem())
		g.seen[key] = cp
		cp.Elem().Set(g.clone(v.Elem()))
		return cp

	case reflect.Map:
		if v.IsNil() {
			return v
		}
		key := keyOf(v)
		if cp, ok := g.seen[key]; ok {
			return cp
		}
		cp := reflect.MakeMapWithSize(v.Type(), v.Len())
		g.seen[key] = cp
		iter := v.MapRange()
		for iter.Next() {
			cp.SetMapIndex(g.clone(iter.Key()), g.clone(iter.Value()))
		}
		return cp

	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		key := keyOf(v)
		if cp, ok := g.seen[key]; ok {
			return cp
		}
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		g.seen[key] = cp
		for i := range v.Len() {
			cp.Index(i).Set(g.clone(v.Index(i)))
		}
		return cp

	case reflect.Array:
		cp := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			cp.Index(i).Set(g.clone(v.Index(i)))
		}
		return cp

	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		cp := reflect.New(v.Type()).Elem()
		cp.Set(g.clone(v.Elem()))
		return cp

	case reflect.Struct:
		cp := reflect.New(v.Type()).Elem()
		cp.Set(v)
		if _, ok := copystructure.Copiers[v.Type()]; ok {
			return cp
		}
		t := v.Type()
		for i := range v.NumField() {
			if t.Field(i).IsExported() {
				cp.Field(i).Set(g.clone(v.Field(i)))
			}
		}
		return cp
	}
	// Scalars, functions, channels.
	return v
}

// needsGraphCopy reports whether v reaches itself through pointers, maps or
// slices, or holds a struct with unexported fields that copystructure has
// no copier for. Shared but acyclic references are not cycles.
func needsGraphCopy(v reflect.Value) bool {
	return walkGraph(v, make(map[visitKey]struct{}))
}

func walkGraph(v reflect.Value, onPath map[visitKey]struct{}) bool {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return false
		}
		return walkGraph(v.Elem(), onPath)

	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return false
		}
		key := keyOf(v)
		if _, seen := onPath[key]; seen {
			return true
		}
		onPath[key] = struct{}{}
		defer delete(onPath, key)

		switch v.Kind() {
		case reflect.Pointer:
			return walkGraph(v.Elem(), onPath)
		case reflect.Map:
			iter := v.MapRange()
			for iter.Next() {
				if walkGraph(iter.Key(), onPath) || walkGraph(iter.Value(), onPath) {
					return true
				}
			}
		default:
			for i := range v.Len() {
				if walkGraph(v.Index(i), onPath) {
					return true
				}
			}
		}

	case reflect.Array:
		for i := range v.Len() {
			if walkGraph(v.Index(i), onPath) {
				return true
			}
		}

	case reflect.Struct:
		t := v.Type()
		if _, ok := copystructure.Copiers[t]; ok {
			return false
		}
		for i := range v.NumField() {
			if !t.Field(i).IsExported() {
				return true
			}
			if walkGraph(v.Field(i), onPath) {
				return true
			}
		}
	}
	return false
}
