package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/pkg/audit"
)

// NewPruneCommand creates the prune command for applying audit retention.
func (a *App) NewPruneCommand() *cobra.Command {
	var (
		maxAge  time.Duration
		maxRuns int
	)

	cmd := &cobra.Command{
		Use:     "prune",
		GroupID: "management",
		Short:   "Delete audit entries past the retention policy",
		Long: `Prune deletes audit entries older than the retention window, always
keeping entries from the most recent runs. Run records themselves are
never deleted, so watermark history stays intact.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPrune(cmd, maxAge, maxRuns)
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "delete entries older than this (default from config)")
	cmd.Flags().IntVar(&maxRuns, "keep-runs", 0, "always keep entries from this many recent runs (default from config)")

	return cmd
}

func (a *App) runPrune(cmd *cobra.Command, maxAge time.Duration, maxRuns int) error {
	ctx := cmd.Context()

	if maxAge == 0 {
		maxAge = a.config.RetentionMaxAge
	}
	if maxRuns == 0 {
		maxRuns = a.config.RetentionMaxRuns
	}

	ledger, err := a.OpenLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	policy := audit.RetentionPolicy{MaxAge: maxAge, MaxRuns: maxRuns}
	deleted, err := ledger.PruneAudit(ctx, policy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("prune audit log: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d audit entries (max age %s, keeping %d runs)\n",
		deleted, maxAge, maxRuns)
	return nil
}
