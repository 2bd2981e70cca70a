package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	auditActor   string
	auditAction  string
	auditOutcome string
	auditSince   time.Duration
	auditLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Long: `Show recent audit events. An --action ending in "." matches every action
with that prefix, for example "ingest." or "secret.".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := NewClient()
		if err != nil {
			return err
		}
		events, err := client.ListAuditEvents(auditFilter(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTOR\tACTION\tRESOURCE\tOUTCOME")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.ActorType, e.ActorID, e.Action, e.Resource, e.Outcome)
		}
		return w.Flush()
	},
}

func auditFilter(now time.Time) url.Values {
	v := url.Values{}
	if auditActor != "" {
		v.Set("actor_id", auditActor)
	}
	if auditAction != "" {
		v.Set("action", auditAction)
	}
	if auditOutcome != "" {
		v.Set("outcome", auditOutcome)
	}
	if auditSince > 0 {
		v.Set("since", now.Add(-auditSince).UTC().Format(time.RFC3339))
	}
	if auditLimit > 0 {
		v.Set("limit", strconv.Itoa(auditLimit))
	}
	return v
}

func init() {
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor id")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action or action prefix")
	auditCmd.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome (success, denied, error)")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Only events newer than this, e.g. 24h")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events")
}
