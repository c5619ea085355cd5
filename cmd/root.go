// Package cmd defines the labnode command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/labnodes/internal/config"
	"github.com/JakeFAU/labnodes/internal/server"
)

// Runner is a built node ready to serve.
type Runner interface {
	Run(ctx context.Context) error
}

// newRunner builds a node from its configuration. It's a variable so tests
// can swap in a fake.
var newRunner = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates the root command and its device subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labnode",
		Short: "REST nodes for laboratory devices.",
		Long: `labnode exposes one laboratory device to a workflow engine over HTTP.
Each subcommand serves one device family: it reports the device status,
describes the actions the device supports, and runs one action at a time.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().String("log-level", "", "minimum log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("dev", false, "use the human-readable development logger")

	cmd.AddCommand(newOT2Cmd(), newUC2Cmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
