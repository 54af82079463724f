package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/screenstranslate/license-server/internal/entitlements"
	"github.com/screenstranslate/license-server/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "license-server",
		Short:         "License entitlement server",
		Long:          `license-server activates devices against licenses, reconciles them with billing and serves the admin and self-service APIs`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return entitlements.Run(cmd.Context(), Version)
		},
	}
	rootCmd.AddCommand(newVersionCmd(), newMigrateCmd(), newCheckConfigCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "license-server %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the configured store, apply its schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := entitlements.LoadConfig()
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "license-migrate"})
			st, err := entitlements.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ping store: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.StoreDriver)
			return nil
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print a redacted summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := entitlements.LoadConfig()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg.Redacted())
			return nil
		},
	}
}

func printConfig(w io.Writer, values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, values[k])
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
