package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"shipcover/crypto/condition"
)

const preimageEnv = "SHIPCOVER_ESCROW_PREIMAGE"

func newConditionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "condition",
		Short: "Derive and check PREIMAGE-SHA-256 crypto-conditions",
	}
	cmd.AddCommand(newConditionDeriveCmd(), newConditionVerifyCmd())
	return cmd
}

func newConditionDeriveCmd() *cobra.Command {
	var (
		preimage        string
		showFulfillment bool
	)
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print the condition for a preimage (default from " + preimageEnv + ")",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if preimage == "" {
				preimage = os.Getenv(preimageEnv)
			}
			if preimage == "" {
				return errors.New("preimage is required (--preimage or " + preimageEnv + ")")
			}
			gen, err := condition.NewGenerator([]byte(preimage))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "condition:   %s\n", gen.Condition())
			if showFulfillment {
				fmt.Fprintf(out, "fulfillment: %s\n", gen.Fulfillment())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&preimage, "preimage", "", "release preimage")
	cmd.Flags().BoolVar(&showFulfillment, "show-fulfillment", false, "also print the secret fulfillment")
	return cmd
}

func newConditionVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <condition> <fulfillment>",
		Short: "Check that a fulfillment satisfies a condition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !condition.Verify(strings.TrimSpace(args[0]), strings.TrimSpace(args[1])) {
				return errors.New("fulfillment does not match condition")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
