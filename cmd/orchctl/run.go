package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/services"
	"github.com/spf13/cobra"
)

// cancelGrace bounds how long run waits for a cancelled run to reach its
// next phase boundary.
const cancelGrace = 2 * time.Minute

type runOptions struct {
	*globalOptions
	input             string
	output            string
	enableIntegration bool
	verbose           bool
	provider          string
	planPath          string
	policy            string
	maxRetries        int
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a run in-process and write its envelope",
		Long: `Execute every phase of the plan for a topic in this process and write
the results envelope as JSON.

Interrupting the command requests cancellation; the run stops at its next
phase boundary and the partial envelope is still written.

Examples:
  # Run the default seven-phase plan
  orchctl run --input "build a login API"

  # Allow integration directives and keep going past failed phases
  orchctl run --input "build a login API" --enable-integration --policy best_effort

  # Use a custom plan and the scripted provider
  orchctl run --input "build a login API" --plan plan.yaml --provider local`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInProcess(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.input, "input", "", "topic to orchestrate (required)")
	f.StringVarP(&opts.output, "output", "o", "orchestrd_run.json", `envelope output file ("-" for stdout)`)
	f.BoolVar(&opts.enableIntegration, "enable-integration", false, "execute integration directives found in model responses")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	f.StringVar(&opts.provider, "provider", "", "model provider name (default from config)")
	f.StringVar(&opts.planPath, "plan", "", "custom phase plan file (.toml, .yaml or .json)")
	f.StringVar(&opts.policy, "policy", "", "failure policy: halt or best_effort (default from config)")
	f.IntVar(&opts.maxRetries, "max-retries", -1, "retries per phase for retryable model errors (default from config)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runInProcess(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()

	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return err
	}
	if opts.enableIntegration {
		cfg.Integration.Enabled = true
	}

	submit := orchestrator.SubmitOptions{
		Provider: opts.provider,
		Policy:   opts.policy,
	}
	if opts.enableIntegration {
		submit.IntegrationEnabled = &opts.enableIntegration
	}
	if opts.maxRetries >= 0 {
		submit.MaxRetries = &opts.maxRetries
	}
	if opts.planPath != "" {
		if submit.Phases, err = orchestrator.LoadPlanFile(opts.planPath); err != nil {
			return err
		}
	}

	reg, err := services.New(ctx, cfg, services.Options{Verbose: opts.verbose, Version: version})
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()

	id, err := reg.Engine.Submit(ctx, opts.input, submit)
	if err != nil {
		return err
	}

	run, err := reg.Engine.Wait(ctx, id)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "interrupted, cancelling run at the next phase boundary")
		if err := reg.Engine.Cancel(context.WithoutCancel(ctx), id); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
		defer cancel()
		if run, err = reg.Engine.Wait(waitCtx, id); err != nil {
			return err
		}
	}

	env := orchestrator.BuildEnvelope(run)
	if err := writeEnvelope(cmd, opts.output, env); err != nil {
		return err
	}
	printSummary(cmd, opts, env)

	if run.Status != orchestrator.RunCompleted {
		return fmt.Errorf("run %s finished %s", run.ID, run.Status)
	}
	return nil
}

func writeEnvelope(cmd *cobra.Command, path string, env orchestrator.Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	data = append(data, '\n')

	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

// printSummary reports the outcome on stderr so stdout stays clean when
// the envelope is written there.
func printSummary(cmd *cobra.Command, opts *runOptions, env orchestrator.Envelope) {
	w := cmd.ErrOrStderr()
	md := env.Metadata
	fmt.Fprintf(w, "Run:          %s (%s)\n", md.RunID, md.Status)
	fmt.Fprintf(w, "Success rate: %s\n", md.SuccessRate)
	fmt.Fprintf(w, "Phases:       %d/%d completed\n", md.SuccessfulPhases, md.TotalPhases)
	fmt.Fprintf(w, "Integration:  %s\n", enabledString(md.IntegrationEnabled))
	if md.ErrorDetails != nil {
		fmt.Fprintf(w, "Error:        %s in %s: %s\n", md.ErrorDetails.Kind, md.ErrorDetails.Phase, md.ErrorDetails.Message)
	}
	if opts.output != "-" {
		fmt.Fprintf(w, "Envelope:     %s\n", opts.output)
	}

	if len(env.IntegrationLog) == 0 {
		return
	}
	fmt.Fprintf(w, "\nIntegration operations: %d\n", len(env.IntegrationLog))
	for i, op := range env.IntegrationLog {
		fmt.Fprintf(w, "  %d. [%s] %s %s\n", i+1, op.Status, op.Kind, op.Action)
	}
	if rb := md.Rollback; rb != nil {
		fmt.Fprintf(w, "Rollback:     %d/%d undone\n", rb.Undone, rb.Attempted)
	}
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
