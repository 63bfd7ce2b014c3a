package main

import (
	"github.com/spf13/cobra"

	"shipcover/services/insurance-gateway/app"
	"shipcover/services/insurance-gateway/store"
)

func newEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Repair payout escrows",
	}
	cmd.AddCommand(newEscrowRetryCmd())
	return cmd
}

func newEscrowRetryCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "retry <shipment-id>",
		Short: "Create the missing payout escrow of a premium-only shipment",
		Long: "Looks up the escrow create recorded on the shipment, if any, and only " +
			"submits a new one once the earlier create is known not to have executed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(deps *app.App) error {
				ctx := store.WithActor(cmd.Context(), actor)
				shipment, err := deps.Workflow.RetryEscrow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, shipment)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "shipcoverctl", "actor recorded in the shipment event log")
	return cmd
}
