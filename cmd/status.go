package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-gasless/core/lifecycle"
)

var (
	statusArg = struct {
		chainID uint64
		hash    string
		pending bool
	}{}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the status of a submitted user operation",
		Long: `Look up a user operation the signer submitted and ask its provider for
the current receipt. With --pending list every record without a final outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadRelayer(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			if statusArg.pending {
				records, err := r.Engine().Transactions().ListPending()
				if err != nil {
					return err
				}
				for _, rec := range records {
					fmt.Fprintf(out, "%s\t%d\t%s\t%s\n", rec.UserOpHash.Hex(), rec.ChainID, rec.Provider, rec.State)
				}
				return nil
			}

			if statusArg.hash == "" {
				return fmt.Errorf("--hash is required")
			}
			hash := common.HexToHash(statusArg.hash)
			rec, err := r.Engine().Transactions().Find(r.Signer().Address(), statusArg.chainID, hash)
			if err != nil {
				return fmt.Errorf("user operation %s not found: %w", hash.Hex(), err)
			}
			pp.Fprintln(out, rec)

			provider := r.Provider(rec.ChainID, rec.Provider)
			if provider == nil {
				return nil
			}
			receipt, err := r.Engine().QueryStatus(cmd.Context(), provider, &lifecycle.Handle{
				UserOpHash: rec.UserOpHash,
				ChainID:    rec.ChainID,
				Provider:   rec.Provider,
			})
			if err != nil {
				return err
			}
			pp.Fprintln(out, receipt)
			return nil
		},
	}
)

func init() {
	statusCmd.Flags().Uint64Var(&statusArg.chainID, "chain", 0, "chain id")
	statusCmd.Flags().StringVar(&statusArg.hash, "hash", "", "userOpHash")
	statusCmd.Flags().BoolVar(&statusArg.pending, "pending", false, "list records without a final outcome")
	rootCmd.AddCommand(statusCmd)
}
