package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	configPath = "./config/gasless.yaml"
	rootCmd    = &cobra.Command{
		Use:   "ap-gasless",
		Short: "Ava Protocol gasless relayer",
		Long: `Build, sponsor, sign and submit ERC-4337 user operations.

Run the relayer with "ap-gasless run", or drive a single operation from the
command line with "ap-gasless send" and "ap-gasless status".
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config/gasless.yaml", "Path to config file")
}
