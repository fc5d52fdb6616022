package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command, which reports the current
// watermark, recent runs, and any pending mints awaiting backfill.
func (a *App) NewStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "core",
		Short:   "Show watermark, recent runs, and pending mints",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStatus(cmd, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent runs to show")

	return cmd
}

func (a *App) runStatus(cmd *cobra.Command, limit int) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	ledger, err := a.OpenLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	watermark, err := ledger.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	fmt.Fprintf(out, "Watermark: %s\n", formatTime(watermark))

	runs, err := ledger.Runs(ctx, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	fmt.Fprintf(out, "\nRecent runs (%d):\n", len(runs))
	if len(runs) > 0 {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  RUN\tSTARTED\tCOMPLETED\tWATERMARK AFTER")
		for _, r := range runs {
			completed := "in progress"
			after := "-"
			if r.Completed() {
				completed = formatTime(r.CompletedAt)
				after = formatTime(r.WatermarkAfter)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", r.ID, formatTime(r.StartedAt), completed, after)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	pending, err := ledger.PendingMints(ctx)
	if err != nil {
		return fmt.Errorf("list pending mints: %w", err)
	}

	fmt.Fprintf(out, "\nPending mints (%d):\n", len(pending))
	for _, pm := range pending {
		fmt.Fprintf(out, "  record %d -> %s (minted %s, seen in %d runs)\n",
			pm.LocalKey, pm.RemoteID, formatTime(pm.MintedAt), pm.RunsSeen)
	}

	retries, err := ledger.Retries(ctx)
	if err != nil {
		return fmt.Errorf("list retries: %w", err)
	}

	fmt.Fprintf(out, "\nAwaiting retry (%d):\n", len(retries))
	for _, r := range retries {
		fmt.Fprintf(out, "  record %d: %s (failed %s)\n", r.LocalKey, r.LastError, formatTime(r.FailedAt))
	}

	return nil
}
