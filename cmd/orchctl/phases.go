package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/spf13/cobra"
)

func newPhasesCmd(global *globalOptions) *cobra.Command {
	var (
		planPath string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Print the phase plan",
		Long: `Print the phase plan runs execute: the configured plan, the built-in
seven-phase default, or the plan in --plan after validation.

Examples:
  # Show the default plan
  orchctl phases

  # Validate a custom plan file
  orchctl phases --plan plan.toml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := resolvePlan(global.configPath, planPath)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tCODE\tNAME\tINTEGRATION\tCRITICAL")
			for _, p := range plan {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\n", p.Ordinal+1, p.Code, p.Name, p.IntegrationAllowed, p.Critical)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "validate and print a custom plan file instead")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

// resolvePlan returns the normalized plan from planPath, or the configured
// plan when planPath is empty.
func resolvePlan(configPath, planPath string) ([]orchestrator.PhaseSpec, error) {
	if planPath != "" {
		plan, err := orchestrator.LoadPlanFile(planPath)
		if err != nil {
			return nil, err
		}
		return orchestrator.NormalizePlan(plan)
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	return orchestrator.NormalizePlan(orchestrator.PlanFromConfig(cfg.Engine.Phases))
}
