// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teamkit/teamkit/internal/invitations"
	"github.com/teamkit/teamkit/pkg/policy"
)

// CodeInvalidContext is returned when a context file cannot be used.
const CodeInvalidContext = "INVALID_CONTEXT"

// exitDenied is the exit status of a denied evaluation.
const exitDenied = 2

type evaluateConfig struct {
	contextFile string
	stage       string
	operator    string
}

func newEvaluateCmd(a *app) *cobra.Command {
	cfg := &evaluateConfig{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the invitation policies against a context file",
		Long: `Load an invitation context from a YAML or JSON file, validate it against
the context schema, and evaluate the invitation policies. The result is
printed as JSON. The exit status is 2 when the evaluation denies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluate(cmd, a, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.contextFile, "context", "c", "", "context file (YAML or JSON)")
	cmd.Flags().StringVar(&cfg.stage, "stage", "", "stage to evaluate (empty runs every policy)")
	cmd.Flags().StringVar(&cfg.operator, "operator", string(policy.OperatorAll), "ALL or ANY")
	_ = cmd.MarkFlagRequired("context") //nolint:errcheck // flag is defined above

	return cmd
}

func runEvaluate(cmd *cobra.Command, a *app, cfg *evaluateConfig) error {
	ctx := cmd.Context()

	op := policy.Operator(strings.ToUpper(cfg.operator))
	if err := op.Validate(); err != nil {
		return oops.Code(policy.CodeInvalidOperator).With("operator", cfg.operator).Wrap(err)
	}

	c, err := loadContext(cfg.contextFile, a.deps.Now)
	if err != nil {
		return err
	}

	reg, err := a.invitationRegistry()
	if err != nil {
		return err
	}

	auditLog, closeAudit, err := a.auditLogger(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAudit()

	var observer policy.Observer
	if auditLog != nil {
		observer = auditLog
	}

	result, err := a.evaluator(observer).Evaluate(ctx, reg, c, op, policy.Stage(cfg.stage))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return oops.Wrap(err)
	}

	if !result.Allowed {
		return &exitError{code: exitDenied, reason: "evaluation denied"}
	}
	return nil
}

var contextSchema = sync.OnceValues(func() (*policy.ConfigSchema, error) {
	raw, err := policy.ReflectSchema(&invitations.Context{})
	if err != nil {
		return nil, err
	}
	return policy.CompileSchema(raw)
})

// loadContext reads an invitation context document. A missing timestamp
// is filled from now before validation.
func loadContext(path string, now func() time.Time) (invitations.Context, error) {
	var c invitations.Context

	data, err := os.ReadFile(path)
	if err != nil {
		return c, oops.Code(CodeInvalidContext).With("path", path).Wrap(err)
	}

	// YAML is a superset of JSON, so one decoder covers both formats.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return c, oops.Code(CodeInvalidContext).With("path", path).Wrapf(err, "parse context file")
	}
	if doc == nil {
		return c, oops.Code(CodeInvalidContext).With("path", path).Errorf("context file is empty")
	}
	if _, ok := doc["timestamp"]; !ok {
		doc["timestamp"] = now().UTC().Format(time.RFC3339Nano)
	}

	schema, err := contextSchema()
	if err != nil {
		return c, err
	}
	if err := schema.Validate(doc); err != nil {
		return c, oops.Code(CodeInvalidContext).With("path", path).Errorf("context does not match schema: %v", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return c, oops.Code(CodeInvalidContext).With("path", path).Wrap(err)
	}
	if err := json.Unmarshal(normalized, &c); err != nil {
		return c, oops.Code(CodeInvalidContext).With("path", path).Wrap(err)
	}
	return c, nil
}
