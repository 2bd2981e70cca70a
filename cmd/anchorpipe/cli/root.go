package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "anchorpipe",
	Short: "Anchorpipe: CI test report ingestion",
	Long: `Anchorpipe ingests CI test reports from JUnit, Jest, pytest and Playwright.
Manage per-repository signing secrets, normalize reports locally and submit
signed ingestion requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}
