package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "printgate",
	Short: "Print accounting and secure release server",
	Long: `printgate accepts print jobs over HTTP and LPD, prices them against
per-user quotas and balances, and holds them until their owner releases them.

Examples:
  printgate serve
  printgate useradd alice --password secret --balance 5.00
  printgate topup alice 2.50
  printgate seed pricing.yaml`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(useraddCmd)
	rootCmd.AddCommand(topupCmd)
	rootCmd.AddCommand(seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "printgate:", err)
		os.Exit(1)
	}
}
