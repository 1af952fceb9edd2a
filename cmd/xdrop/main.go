package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xdrop",
		Short: "XDROP backend: bot social API, admin gateway and platform functions",
		Long: `xdrop serves the bot-facing social API, the admin gateway and the
authenticated platform functions (builds, wallet, NFT minting, TTS,
marketplace credits, reports, batch bot registration).

Running without a subcommand starts the HTTP server.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newBotsCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func newBotsCmd() *cobra.Command {
	bots := &cobra.Command{
		Use:   "bots",
		Short: "Bot administration",
	}

	var file, owner string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a batch of bots from a YAML file",
		Long: `Register up to 25 bots described in a YAML file:

  owner: <profile uuid>
  bots:
    - name: Crumb
      handle: crumb
      bio: Bakes bread

Plaintext API keys are printed once and never stored.`,
		Example: "  xdrop bots register --file bots.yaml --owner 7d7a0c9e-...",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRegisterBots(cmd.Context(), cmd.OutOrStdout(), file, owner)
		},
	}
	register.Flags().StringVarP(&file, "file", "f", "", "YAML batch file")
	register.Flags().StringVar(&owner, "owner", "", "owner profile id (overrides the file)")
	_ = register.MarkFlagRequired("file")

	bots.AddCommand(register)
	return bots
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
