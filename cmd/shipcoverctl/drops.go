package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipcover/ledger"
)

func newDropsCmd() *cobra.Command {
	var reverse bool
	cmd := &cobra.Command{
		Use:   "drops <amount>",
		Short: "Convert XRP to drops, or drops to XRP with --to-xrp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reverse {
				d, err := ledger.ParseDrops(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), d.XRP().String())
				return nil
			}
			d, err := ledger.ToDrops(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&reverse, "to-xrp", false, "treat the amount as drops")
	return cmd
}
