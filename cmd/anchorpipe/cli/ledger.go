package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Maintain the idempotency ledger",
}

var (
	ledgerRepo      string
	ledgerCommit    string
	ledgerRun       string
	ledgerFramework string
	historyRepo     string
	historyLimit    int
)

var ledgerPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired idempotency entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := NewClient()
		if err != nil {
			return err
		}
		n, err := client.PurgeLedger()
		if err != nil {
			return fmt.Errorf("failed to purge ledger: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Purged %d expired entries\n", n)
		return nil
	},
}

var ledgerRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Forget one submission so it is processed again",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := NewClient()
		if err != nil {
			return err
		}
		if err := client.RemoveLedgerEntry(ledgerRepo, ledgerCommit, ledgerRun, ledgerFramework); err != nil {
			return fmt.Errorf("failed to remove entry: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "✓ Entry removed")
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent ingestions of a repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := NewClient()
		if err != nil {
			return err
		}
		list, err := client.ListIngestions(historyRepo, historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list ingestions: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RECEIVED\tCOMMIT\tRUN\tFRAMEWORK\tTESTS")
		for _, in := range list {
			fmt.Fprintf(w, "%s\t%.12s\t%s\t%s\t%d\n", in.ReceivedAt.Format(time.RFC3339), in.CommitSHA, in.RunID, in.Framework, in.TestCount)
		}
		return w.Flush()
	},
}

func init() {
	ledgerRemoveCmd.Flags().StringVar(&ledgerRepo, "repo", "", "Repository id")
	ledgerRemoveCmd.Flags().StringVar(&ledgerCommit, "commit", "", "Commit SHA")
	ledgerRemoveCmd.Flags().StringVar(&ledgerRun, "run", "", "CI run id")
	ledgerRemoveCmd.Flags().StringVar(&ledgerFramework, "framework", "", "Report framework")
	ledgerRemoveCmd.MarkFlagRequired("repo")
	ledgerRemoveCmd.MarkFlagRequired("commit")
	ledgerRemoveCmd.MarkFlagRequired("framework")

	ledgerCmd.AddCommand(ledgerPurgeCmd)
	ledgerCmd.AddCommand(ledgerRemoveCmd)

	historyCmd.Flags().StringVar(&historyRepo, "repo", "", "Repository id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of ingestions")
	historyCmd.MarkFlagRequired("repo")
}
