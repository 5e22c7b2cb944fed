package cmd

import (
	"fmt"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-gasless/core/lifecycle"
)

var (
	estimateArg = struct {
		chainID  uint64
		calls    []string
		salt     string
		provider string
	}{}

	estimateCmd = &cobra.Command{
		Use:   "estimate",
		Short: "Quote the gas of a batch of calls",
		Long: `Build the user operation for the given calls and ask the bundler for a
gas estimate. Nothing is signed or submitted.

Each --call is "to[,valueEth[,0xdata]]".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			calls, err := parseCalls(estimateArg.calls)
			if err != nil {
				return err
			}
			salt, err := parseSalt(estimateArg.salt)
			if err != nil {
				return err
			}

			r, err := loadRelayer(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			provider := r.Provider(estimateArg.chainID, estimateArg.provider)
			if provider == nil {
				return fmt.Errorf("no provider configured for chain %d", estimateArg.chainID)
			}
			quote, err := r.Engine().Estimate(cmd.Context(), &lifecycle.EstimateRequest{
				ChainID:  estimateArg.chainID,
				Owner:    r.Signer().Address(),
				Salt:     salt,
				Calls:    calls,
				Provider: provider,
			})
			if err != nil {
				return err
			}
			pp.Fprintln(cmd.OutOrStdout(), quote)
			fmt.Fprintf(cmd.OutOrStdout(), "max cost: %s ETH\n", quote.MaxCostEth.String())
			return nil
		},
	}
)

func init() {
	estimateCmd.Flags().Uint64Var(&estimateArg.chainID, "chain", 0, "chain id")
	estimateCmd.Flags().StringArrayVar(&estimateArg.calls, "call", nil, "call as to[,valueEth[,0xdata]], repeatable")
	estimateCmd.Flags().StringVar(&estimateArg.salt, "salt", "", "account salt")
	estimateCmd.Flags().StringVar(&estimateArg.provider, "provider", "", "provider name")
	estimateCmd.MarkFlagRequired("chain")
	estimateCmd.MarkFlagRequired("call")
	rootCmd.AddCommand(estimateCmd)
}
