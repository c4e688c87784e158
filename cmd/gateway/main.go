// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/archestra/gateway/pkg/app"
	"github.com/archestra/gateway/pkg/appconsts"
	"github.com/archestra/gateway/pkg/config"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/metrics"
)

var appRunner app.Runner = app.NewApplication()

// newRootCmd builds the gateway command tree. The root command runs the
// gateway; version, health and token are small operational subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appconsts.Name,
		Short: "Archestra is a multi-tenant LLM gateway and MCP tool broker.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := config.GlobalSettings()
			if err := settings.Load(cmd, afero.NewOsFs()); err != nil {
				return err
			}

			logging.Init(settings.LogLevel(), os.Stdout, settings.LogFormat())
			if err := metrics.Initialize(); err != nil {
				return fmt.Errorf("failed to initialize metrics: %w", err)
			}
			log := logging.GetLogger().With("service", appconsts.Name)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := appRunner.Run(ctx, settings); err != nil {
				log.Error("Gateway failed", "error", err)
				return err
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appconsts.Name, appconsts.Version)
			if err != nil {
				return fmt.Errorf("failed to print version: %w", err)
			}
			return nil
		},
	}
	rootCmd.AddCommand(versionCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Run a health check against a running gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := config.GlobalSettings()
			if err := settings.Load(cmd, afero.NewOsFs()); err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return app.HealthCheck(cmd.OutOrStdout(), settings.ListenAddress(), timeout)
		},
	}
	healthCmd.Flags().Duration("timeout", 5*time.Second, "Timeout for the health check.")
	rootCmd.AddCommand(healthCmd)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a gateway token for testing and scripting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := config.GlobalSettings()
			if err := settings.Load(cmd, afero.NewOsFs()); err != nil {
				return err
			}
			verifier, err := identity.NewVerifier(settings.GatewayTokenSecret(), nil)
			if err != nil {
				return err
			}

			userID, _ := cmd.Flags().GetString("user")
			orgID, _ := cmd.Flags().GetString("org")
			teamIDs, _ := cmd.Flags().GetStringSlice("teams")
			orgWide, _ := cmd.Flags().GetBool("org-wide")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := verifier.Issue(identity.IssueOptions{
				UserID:  userID,
				OrgID:   orgID,
				TeamIDs: teamIDs,
				OrgWide: orgWide,
				TTL:     ttl,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	tokenCmd.Flags().String("user", "", "Subject user id. Required unless --org-wide is set.")
	tokenCmd.Flags().String("org", "", "Organization id the token is scoped to.")
	tokenCmd.Flags().StringSlice("teams", nil, "Team ids embedded in the token.")
	tokenCmd.Flags().Bool("org-wide", false, "Mint a token that acts for the whole org.")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime.")
	rootCmd.AddCommand(tokenCmd)

	config.BindFlags(rootCmd)

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
