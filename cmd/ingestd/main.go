// Command ingestd serves chunked invoice uploads over WebSocket, commits
// them to object storage and runs batch categorization jobs over them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Chunked upload ingestion and batch categorization service",
		Long: `ingestd reassembles files uploaded in chunks over a WebSocket, stores them
in object storage, tracks each file in a ledger and runs batch inference
jobs that categorize the invoices they contain.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTokenCmd(),
		newPurgeOwnerCmd(),
	)
	return rootCmd
}
