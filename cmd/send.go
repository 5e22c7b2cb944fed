package cmd

import (
	"fmt"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-gasless/core/config"
	"github.com/AvaProtocol/ap-gasless/core/lifecycle"
	"github.com/AvaProtocol/ap-gasless/model"
)

var (
	sendArg = struct {
		chainID  uint64
		calls    []string
		salt     string
		policyID string
		provider string
		wallet   bool
		noWait   bool
	}{}

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send a batch of calls as a user operation",
		Long: `Build, sponsor, sign and submit a user operation from the signer's smart
account, then wait for its receipt.

Each --call is "to[,valueEth[,0xdata]]". With --wallet the provider prepares
and sponsors the operation through wallet_prepareCalls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			calls, err := parseCalls(sendArg.calls)
			if err != nil {
				return err
			}
			salt, err := parseSalt(sendArg.salt)
			if err != nil {
				return err
			}

			r, err := loadRelayer(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			if config.IsMainnet(sendArg.chainID) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: sending on mainnet chain %d\n", sendArg.chainID)
			}

			var sub *lifecycle.Submission
			if sendArg.wallet {
				wallet := r.Wallet(sendArg.chainID)
				if wallet == nil {
					return fmt.Errorf("no wallet_url configured for chain %d", sendArg.chainID)
				}
				sub, err = r.Engine().SendPreparedCalls(cmd.Context(), &lifecycle.PreparedCallsRequest{
					ChainID:  sendArg.chainID,
					Signer:   r.Signer(),
					Salt:     salt,
					Calls:    calls,
					Wallet:   wallet,
					PolicyID: sendArg.policyID,
				})
			} else {
				provider := r.Provider(sendArg.chainID, sendArg.provider)
				if provider == nil {
					return fmt.Errorf("no provider configured for chain %d", sendArg.chainID)
				}
				sub, err = r.Engine().SendTransaction(cmd.Context(), &lifecycle.SendRequest{
					ChainID:  sendArg.chainID,
					Signer:   r.Signer(),
					Salt:     salt,
					Calls:    calls,
					Provider: provider,
					PolicyID: sendArg.policyID,
				})
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if handle := sub.Handle(); handle != nil {
				fmt.Fprintf(out, "userOpHash: %s\n", handle.UserOpHash.Hex())
				fmt.Fprintf(out, "explorer:   %s\n", config.UserOperationURL(handle.ChainID, handle.UserOpHash.Hex()))
			}
			if sendArg.noWait {
				return nil
			}

			// the controller always reaches a terminal state by its poll deadline
			result, err := sub.Wait(cmd.Context())
			if err != nil {
				return err
			}
			pp.Fprintln(out, result)
			if result.Receipt != nil && result.Receipt.TransactionHash != nil {
				fmt.Fprintf(out, "transaction: %s\n", config.TransactionURL(sendArg.chainID, result.Receipt.TransactionHash.Hex()))
			}
			if result.State != model.StateIncluded {
				return fmt.Errorf("user operation %s: %s", result.State, result.Reason)
			}
			return nil
		},
	}
)

func init() {
	sendCmd.Flags().Uint64Var(&sendArg.chainID, "chain", 0, "chain id")
	sendCmd.Flags().StringArrayVar(&sendArg.calls, "call", nil, "call as to[,valueEth[,0xdata]], repeatable")
	sendCmd.Flags().StringVar(&sendArg.salt, "salt", "", "account salt")
	sendCmd.Flags().StringVar(&sendArg.policyID, "policy", "", "sponsorship policy id")
	sendCmd.Flags().StringVar(&sendArg.provider, "provider", "", "provider name")
	sendCmd.Flags().BoolVar(&sendArg.wallet, "wallet", false, "use the provider's wallet_prepareCalls flow")
	sendCmd.Flags().BoolVar(&sendArg.noWait, "no-wait", false, "return once the operation is accepted")
	sendCmd.MarkFlagRequired("chain")
	sendCmd.MarkFlagRequired("call")
	rootCmd.AddCommand(sendCmd)
}
