// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/teamkit/teamkit/internal/config"
	"github.com/teamkit/teamkit/internal/logging"
)

const serviceName = "teamkit"

// app is the state shared by every subcommand once configuration has been
// loaded.
type app struct {
	deps       *Deps
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
}

// NewRootCmd creates the root command for the teamkit CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	a := &app{deps: deps.withDefaults()}

	cmd := &cobra.Command{
		Use:   "teamkit",
		Short: "teamkit - declarative policies for team features",
		Long: `teamkit evaluates declarative policies that gate team features such as
member invitations, and manages the schema those policies read from.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file path (default: XDG config dir)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newEvaluateCmd(a))
	cmd.AddCommand(newPoliciesCmd(a))
	cmd.AddCommand(newSchemaCmd(a))
	cmd.AddCommand(newInviteCmd(a))
	cmd.AddCommand(newMigrateCmd(a))
	cmd.AddCommand(newAuditCmd(a))

	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.Setup(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}
