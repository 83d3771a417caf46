// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the policy audit trail",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Replay audit entries stranded in the write-ahead log",
		Long: `Write every entry in the audit write-ahead log to the configured audit
backend and truncate the log. Requires an audit mode other than "off".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, closeAudit, err := a.auditLogger(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeAudit()
			if l == nil {
				return oops.Code("AUDIT_DISABLED").Errorf("audit mode is off")
			}

			n, err := l.ReplayWAL(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Replayed %d audit entries from %s\n", n, l.WALPath())
			return nil
		},
	})

	return cmd
}
