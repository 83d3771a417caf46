// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/teamkit/teamkit/pkg/policy"
)

// CodeInvalidPattern is returned for a --match pattern that does not compile.
const CodeInvalidPattern = "INVALID_PATTERN"

type policiesConfig struct {
	stage string
	match string
}

func newPoliciesCmd(a *app) *cobra.Command {
	cfg := &policiesConfig{}

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the invitation policies",
		Long: `List the registered invitation policies with the stages they run in.
--stage keeps policies that apply to a stage; --match filters ids with a
glob such as "paddle-*".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPolicies(cmd, a, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.stage, "stage", "", "only policies that run at this stage")
	cmd.Flags().StringVar(&cfg.match, "match", "", "only policy ids matching this glob")

	return cmd
}

func runPolicies(cmd *cobra.Command, a *app, cfg *policiesConfig) error {
	var pattern glob.Glob
	if cfg.match != "" {
		g, err := glob.Compile(cfg.match)
		if err != nil {
			return oops.Code(CodeInvalidPattern).With("pattern", cfg.match).Wrap(err)
		}
		pattern = g
	}

	reg, err := a.invitationRegistry()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGES")
	for _, id := range reg.List() {
		if pattern != nil && !pattern.Match(id) {
			continue
		}
		def, err := reg.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		if cfg.stage != "" && !def.AppliesTo(policy.Stage(cfg.stage)) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", id, stageList(def.Stages()))
	}
	return oops.Wrap(w.Flush())
}

func stageList(stages []policy.Stage) string {
	if stages == nil {
		return "*"
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}
