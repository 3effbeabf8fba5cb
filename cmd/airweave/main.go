// Command airweave is the CLI for the Airweave sync and search cores: it
// manages source connections and syncs, runs sync jobs locally or through
// Temporal, administers destination slots, and answers agentic search
// queries against the Vespa index.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// flagConfigPath is the persistent --config flag, bound in newRootCmd.
var flagConfigPath string

// cfg holds the effective configuration loaded by PersistentPreRunE.
var cfg *Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the fully assembled root command. Called once from main.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "airweave",
		Short:         "Sync connector data into a searchable index",
		Long:          "Airweave syncs source connector data through an entity pipeline into vector and snapshot destinations, and answers natural-language queries over the result.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := LoadConfig(flagConfigPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newDestinationCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newWorkerCmd())

	return cmd
}

// withApp wires the application and runs fn, closing the store afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
