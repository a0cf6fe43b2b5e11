// Package main implements orchctl, the operator CLI for orchestrd.
//
// The run and phases commands work in-process against a locally built
// engine; submit, status, cancel and health talk to a running orchestrd
// over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set via ldflags during build.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// globalOptions are shared by every subcommand.
type globalOptions struct {
	serverURL  string
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "orchctl",
		Short: "Operator CLI for the orchestrd engine",
		Long: `orchctl drives multi-phase orchestration runs.

Use "orchctl run" to execute a run in-process and write its results
envelope, or submit/status/cancel to work against a running orchestrd.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:9494", "orchestrd server URL")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default ~/.config/orchestrd/config.yaml)")

	cmd.AddCommand(
		newRunCmd(opts),
		newPhasesCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newHealthCmd(opts),
	)
	return cmd
}
