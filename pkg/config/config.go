// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package config loads gateway configuration from flags, environment
// variables (ARCHESTRA_ prefix) and an optional .env file, and exposes it
// through a typed Settings singleton.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindFlags binds the command line flags to viper.
func BindFlags(cmd *cobra.Command) {
	cobra.OnInitialize(func() {
		// .env is optional; real environment variables win over its contents.
		_ = godotenv.Load()
		viper.SetEnvPrefix("ARCHESTRA")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
		viper.AutomaticEnv()
	})

	cmd.PersistentFlags().String("listen-address", ":9099", "Gateway bind address. Env: ARCHESTRA_LISTEN_ADDRESS")
	cmd.PersistentFlags().String("metrics-listen-address", "", "Metrics bind address. Empty disables the metrics server. Env: ARCHESTRA_METRICS_LISTEN_ADDRESS")
	if err := viper.BindPFlag("listen-address", cmd.PersistentFlags().Lookup("listen-address")); err != nil {
		fmt.Printf("Error binding listen-address flag: %v\n", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("metrics-listen-address", cmd.PersistentFlags().Lookup("metrics-listen-address")); err != nil {
		fmt.Printf("Error binding metrics-listen-address flag: %v\n", err)
		os.Exit(1)
	}

	cmd.Flags().String("database-driver", "memory", "Persistence backend: memory, sqlite or postgres. Env: ARCHESTRA_DATABASE_DRIVER")
	cmd.Flags().String("database-dsn", "", "DSN for the selected database driver. Env: ARCHESTRA_DATABASE_DSN")
	cmd.Flags().String("bus", "memory", "Event bus backend: memory, nats or redis. Env: ARCHESTRA_BUS")
	cmd.Flags().String("nats-url", "", "NATS server URL when --bus=nats. Env: ARCHESTRA_NATS_URL")
	cmd.Flags().String("redis-url", "", "Redis server URL when --bus=redis. Env: ARCHESTRA_REDIS_URL")
	cmd.Flags().String("pricing-file", "", "YAML file with per-million token prices. Empty uses the built-in table. Env: ARCHESTRA_PRICING_FILE")
	cmd.Flags().String("kube-namespace", "default", "Namespace for MCP runtime pods. Env: ARCHESTRA_KUBE_NAMESPACE")
	cmd.Flags().String("kubeconfig", "", "Path to a kubeconfig file. Empty uses in-cluster config. Env: ARCHESTRA_KUBECONFIG")
	cmd.Flags().Bool("debug", false, "Enable debug logging. Env: ARCHESTRA_DEBUG")
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn or error. Env: ARCHESTRA_LOG_LEVEL")
	cmd.Flags().String("log-format", "text", "Log format: text or json. Env: ARCHESTRA_LOG_FORMAT")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout. Env: ARCHESTRA_SHUTDOWN_TIMEOUT")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("Error binding command line flags: %v\n", err)
		os.Exit(1)
	}

	setDefaults()
}

// setDefaults registers fallbacks for settings that have no flag and are
// normally tuned through the environment only.
func setDefaults() {
	viper.SetDefault("mcp-connect-timeout", 30*time.Second)
	viper.SetDefault("mcp-list-tools-timeout", 30*time.Second)
	viper.SetDefault("mcp-session-ttl", 24*time.Hour)
	viper.SetDefault("oauth-refresh-timeout", 10*time.Second)
	viper.SetDefault("http-concurrency-limit", 4)
	viper.SetDefault("usage-reset-interval", time.Minute)
	viper.SetDefault("bedrock-region", "us-east-1")
	viper.SetDefault("tracing-enabled", false)
	viper.SetDefault("tracing-endpoint", "localhost:4318")
	viper.SetDefault("tracing-insecure", true)
	viper.SetDefault("rate-limit-rps", 0)
	viper.SetDefault("rate-limit-burst", 0)
	viper.SetDefault("tool-loop-max-rounds", 8)
}
