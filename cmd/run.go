package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-gasless/relayer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relayer",
	Long: `Initialize and run the relayer: storage, receipt reconciler and the
health/metrics endpoint.

Use --config=path-to-your-config-file. default is=./config/gasless.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return relayer.RunWithConfig(configPath)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
