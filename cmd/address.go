package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

var (
	addressArg = struct {
		chainID uint64
		owner   string
		salt    string
	}{}

	addressCmd = &cobra.Command{
		Use:   "address",
		Short: "Resolve the smart account of an owner",
		Long: `Compute the counterfactual smart account address for an owner and report
whether it is deployed. Without --owner the configured signer is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadRelayer(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			owner := r.Signer().Address()
			if addressArg.owner != "" {
				if !common.IsHexAddress(addressArg.owner) {
					return fmt.Errorf("invalid owner %q", addressArg.owner)
				}
				owner = common.HexToAddress(addressArg.owner)
			}
			salt, err := parseSalt(addressArg.salt)
			if err != nil {
				return err
			}

			account, err := r.Engine().ResolveAccount(cmd.Context(), addressArg.chainID, owner, salt)
			if err != nil {
				return err
			}
			pp.Fprintln(cmd.OutOrStdout(), account)
			return nil
		},
	}
)

func init() {
	addressCmd.Flags().Uint64Var(&addressArg.chainID, "chain", 0, "chain id")
	addressCmd.Flags().StringVar(&addressArg.owner, "owner", "", "owner EOA, defaults to the signer")
	addressCmd.Flags().StringVar(&addressArg.salt, "salt", "", "account salt")
	addressCmd.MarkFlagRequired("chain")
	rootCmd.AddCommand(addressCmd)
}
