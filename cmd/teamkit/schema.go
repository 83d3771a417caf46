// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/teamkit/teamkit/internal/invitations"
	"github.com/teamkit/teamkit/pkg/policy"
)

func newSchemaCmd(_ *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the invitation context JSON Schema",
		Long: `Print the JSON Schema that evaluate validates context files against.
With --out the schema is written to a file instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := policy.ReflectSchema(&invitations.Context{})
			if err != nil {
				return err
			}
			raw = append(raw, '\n')

			if out == "" {
				_, err = cmd.OutOrStdout().Write(raw)
				return oops.Wrap(err)
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
				return oops.With("path", out).Wrap(err)
			}
			if err := os.WriteFile(out, raw, 0o600); err != nil {
				return oops.With("path", out).Wrap(err)
			}
			cmd.Printf("Generated %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write the schema to this file")

	return cmd
}
