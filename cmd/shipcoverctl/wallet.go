package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shipcover/crypto"
	"shipcover/insurance/fault"
	"shipcover/ledger"
)

const (
	seedEnv    = "SHIPCOVER_CUSTODIAN_SEED"
	nodeURLEnv = "SHIPCOVER_XRPL_NODE_URL"
)

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Inspect and store custodian credentials",
	}
	cmd.AddCommand(newWalletAddressCmd(), newWalletSaveCmd(), newWalletBalanceCmd())
	return cmd
}

func newWalletAddressCmd() *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "address [seed]",
		Short: "Print the classic address of a seed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := resolveSeed(args, seedFile)
			if err != nil {
				return err
			}
			w, err := crypto.WalletFromSeed(seed)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w.Address().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "read the seed from a 0600 file")
	return cmd
}

func newWalletSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <path>",
		Short: "Write the seed from " + seedEnv + " to a 0600 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := strings.TrimSpace(os.Getenv(seedEnv))
			if seed == "" {
				return errors.New(seedEnv + " is not set")
			}
			if err := crypto.SaveSeedFile(args[0], seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seed written to %s\n", args[0])
			return nil
		},
	}
}

func newWalletBalanceCmd() *cobra.Command {
	var (
		seedFile string
		nodeURL  string
		attempts int
		backoff  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "balance [address]",
		Short: "Print the validated XRP balance of an address, the custodian by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := balanceAccount(args, seedFile)
			if err != nil {
				return err
			}
			if nodeURL == "" {
				nodeURL = strings.TrimSpace(os.Getenv(nodeURLEnv))
			}
			gateway := ledger.NewGateway(ledger.NewClient(ledger.ClientConfig{URL: nodeURL}), ledger.GatewayConfig{})
			balance, err := readBalance(cmd.Context(), gateway, account, attempts, backoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s XRP (%s drops)\n", account, balance.XRP().String(), balance.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "derive the address from a 0600 seed file")
	cmd.Flags().StringVar(&nodeURL, "node-url", "", "rippled JSON-RPC endpoint (default "+nodeURLEnv+" or "+ledger.DefaultNodeURL+")")
	cmd.Flags().IntVar(&attempts, "attempts", 3, "attempts on transient node failures")
	cmd.Flags().DurationVar(&backoff, "backoff", time.Second, "wait before the first retry, growing linearly")
	return cmd
}

func balanceAccount(args []string, seedFile string) (crypto.Address, error) {
	if len(args) == 1 {
		return crypto.DecodeAddress(strings.TrimSpace(args[0]))
	}
	seed, err := resolveSeed(nil, seedFile)
	if err != nil {
		return crypto.Address{}, err
	}
	w, err := crypto.WalletFromSeed(seed)
	if err != nil {
		return crypto.Address{}, err
	}
	return w.Address(), nil
}

type balanceReader interface {
	Balance(ctx context.Context, account crypto.Address) (ledger.Drops, error)
}

// readBalance retries transient failures only; a balance query never moves funds.
func readBalance(ctx context.Context, r balanceReader, account crypto.Address, attempts int, backoff time.Duration) (ledger.Drops, error) {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		balance, err := r.Balance(ctx, account)
		if err == nil {
			return balance, nil
		}
		if attempt >= attempts || !fault.Retryable(err, true) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, err
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
}

func resolveSeed(args []string, seedFile string) (string, error) {
	switch {
	case len(args) == 1:
		return strings.TrimSpace(args[0]), nil
	case seedFile != "":
		return crypto.LoadSeedFile(seedFile)
	case os.Getenv(seedEnv) != "":
		return strings.TrimSpace(os.Getenv(seedEnv)), nil
	default:
		return "", errors.New("seed is required (argument, --seed-file or " + seedEnv + ")")
	}
}
