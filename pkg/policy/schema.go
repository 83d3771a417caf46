// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"bytes"
	"encoding/json"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
)

const schemaResource = "config.schema.json"

// ConfigSchema validates per-instantiation policy configuration against a
// compiled JSON Schema.
type ConfigSchema struct {
	raw      []byte
	compiled *jschema.Schema
}

// SchemaFor reflects a JSON Schema from the Cfg type and compiles it.
// Struct tags follow invopop/jsonschema conventions, e.g.
// `json:"max" jsonschema:"minimum=1"`.
func SchemaFor[Cfg any]() (*ConfigSchema, error) {
	raw, err := ReflectSchema(new(Cfg))
	if err != nil {
		return nil, err
	}
	return CompileSchema(raw)
}

// MustSchemaFor is like SchemaFor but panics on error. Intended for
// package-level policy definitions.
func MustSchemaFor[Cfg any]() *ConfigSchema {
	s, err := SchemaFor[Cfg]()
	if err != nil {
		panic(err)
	}
	return s
}

// ReflectSchema renders the JSON Schema for v with all definitions inlined.
func ReflectSchema(v any) ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	data, err := json.MarshalIndent(r.Reflect(v), "", "  ")
	if err != nil {
		return nil, oops.Code(CodeInvalidPolicyDefinition).Wrapf(err, "marshal reflected schema")
	}
	return data, nil
}

// CompileSchema compiles a raw JSON Schema document.
func CompileSchema(raw []byte) (*ConfigSchema, error) {
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.Code(CodeInvalidPolicyDefinition).Wrapf(err, "parse config schema")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, oops.Code(CodeInvalidPolicyDefinition).Wrapf(err, "add config schema resource")
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, oops.Code(CodeInvalidPolicyDefinition).Wrapf(err, "compile config schema")
	}

	return &ConfigSchema{raw: raw, compiled: sch}, nil
}

// JSON returns the schema document.
func (s *ConfigSchema) JSON() []byte {
	return bytes.Clone(s.raw)
}

// Validate checks config against the schema. Config may be a struct or any
// JSON-compatible value; it is normalized through a JSON round trip first.
func (s *ConfigSchema) Validate(config any) error {
	data, err := json.Marshal(config)
	if err != nil {
		return oops.Code(CodeInvalidPolicyConfig).Wrapf(err, "encode config")
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return oops.Code(CodeInvalidPolicyConfig).Wrapf(err, "decode config")
	}
	if err := s.compiled.Validate(inst); err != nil {
		return oops.Code(CodeInvalidPolicyConfig).Wrapf(err, "config does not match schema")
	}
	return nil
}
