package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"shipcover/observability/logging"
	"shipcover/services/insurance-gateway/app"
	"shipcover/services/insurance-gateway/config"
	"shipcover/services/insurance-gateway/recon"
)

func newReconcileCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the configured ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(deps *app.App) error {
				res, err := deps.Reconciler.Run(cmd.Context(), recon.RunOptions{DryRun: dryRun})
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without changing local state or writing files")
	return cmd
}

// withApp assembles the service from the environment for one command.
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger := logging.Setup("shipcoverctl", cfg.Environment,
		logging.WithLevel(cfg.Log.Level),
		logging.WithOutput(cmd.ErrOrStderr()))
	deps, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(deps)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
