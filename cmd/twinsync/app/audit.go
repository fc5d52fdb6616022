package app

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/pkg/audit"
)

// NewAuditCommand creates the audit command for querying the audit log.
func (a *App) NewAuditCommand() *cobra.Command {
	var (
		runID    string
		localKey int64
		since    time.Duration
		limit    int
	)

	cmd := &cobra.Command{
		Use:     "audit",
		GroupID: "core",
		Short:   "Query the append-only audit log",
		Long: `Audit lists entries from the append-only audit log, filtered by run,
record, or age. Every remote write attempt has an entry: creations,
field pushes, skips, and failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAudit(cmd, runID, localKey, since, limit)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "filter by run ID")
	cmd.Flags().Int64Var(&localKey, "record", 0, "filter by local record key")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this age (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to return")

	return cmd
}

func (a *App) runAudit(cmd *cobra.Command, runID string, localKey int64, since time.Duration, limit int) error {
	ctx := cmd.Context()

	ledger, err := a.OpenLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	q := audit.Query{
		RunID:    runID,
		LocalKey: localKey,
		Limit:    limit,
	}
	if since > 0 {
		q.From = time.Now().UTC().Add(-since)
	}

	entries, err := ledger.QueryAudit(ctx, q)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries match.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tRECORD\tACTION\tOUTCOME\tFIELDS\tDETAIL")
	for _, e := range entries {
		fields := "-"
		if len(e.FieldsChanged) > 0 {
			fields = strings.Join(e.FieldsChanged, ",")
		}
		detail := e.ErrorDetail
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			formatTime(e.Timestamp), e.RunID, e.LocalKey, e.Action, e.Outcome, fields, detail)
	}
	return w.Flush()
}
