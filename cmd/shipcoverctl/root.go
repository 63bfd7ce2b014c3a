package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shipcoverctl",
		Short:         "Operator tooling for the shipment insurance escrow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newConditionCmd(),
		newDropsCmd(),
		newWalletCmd(),
		newReconcileCmd(),
		newEscrowCmd(),
	)
	return root
}
