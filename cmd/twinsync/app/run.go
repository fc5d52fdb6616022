package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/pkg/logging"
	"github.com/twinsync/twinsync/pkg/sync"
)

// NewRunCommand creates the run command, which performs one full
// reconciliation pass from the local store to the remote authority.
func (a *App) NewRunCommand() *cobra.Command {
	var (
		workers       int
		remoteTimeout time.Duration
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:     "run",
		GroupID: "core",
		Short:   "Run one reconciliation pass",
		Long: `Run detects local records changed since the last completed run and
pushes them to the remote authority store: unlinked records get an
identifier minted and a full field push, linked records get only the
fields that differ.

Exit codes: 0 on success, 1 when some records failed but the run
completed, 2 on run-level failure (lease held, store unreachable).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSync(cmd, workers, remoteTimeout, dryRun)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent entity workers (default from config)")
	cmd.Flags().DurationVar(&remoteTimeout, "remote-timeout", 0, "per-call remote store timeout (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "detect and report changed records without writing")

	return cmd
}

func (a *App) runSync(cmd *cobra.Command, workers int, remoteTimeout time.Duration, dryRun bool) error {
	ctx := logging.WithLogger(cmd.Context(), a.logger)

	if workers == 0 {
		workers = a.config.Workers
	}
	if remoteTimeout == 0 {
		remoteTimeout = a.config.RemoteTimeout
	}

	ledger, err := a.OpenLedger()
	if err != nil {
		return NewExitCodeError(sync.ExitFatal, fmt.Sprintf("open ledger: %v", err))
	}
	defer ledger.Close()

	local, err := a.OpenLocal()
	if err != nil {
		return NewExitCodeError(sync.ExitFatal, fmt.Sprintf("open local store: %v", err))
	}
	defer local.Close()

	remote, err := a.OpenRemote()
	if err != nil {
		return NewExitCodeError(sync.ExitFatal, fmt.Sprintf("open remote store: %v", err))
	}
	defer remote.Close()

	projection, err := a.Projection()
	if err != nil {
		return NewExitCodeError(sync.ExitFatal, err.Error())
	}

	if dryRun {
		return a.runDryRun(ctx, cmd, ledger, local)
	}

	engine, err := sync.New(local, remote, ledger,
		sync.WithProjection(projection),
		sync.WithWorkers(workers),
		sync.WithRemoteTimeout(remoteTimeout),
		sync.WithAbortThreshold(a.config.AbortThreshold),
		sync.WithStaleMintRuns(a.config.StaleMintRuns),
	)
	if err != nil {
		return NewExitCodeError(sync.ExitFatal, err.Error())
	}

	result, runErr := engine.Run(ctx)

	fmt.Fprintln(cmd.OutOrStdout(), result.Summary())
	for _, entityErr := range result.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "  record %d: %v\n", entityErr.LocalKey, entityErr.Err)
	}

	switch result.ExitCode() {
	case sync.ExitSuccess:
		return nil
	case sync.ExitPartial:
		return NewExitCodeError(sync.ExitPartial, fmt.Sprintf("%d of %d records failed", result.Failed, result.Total()))
	default:
		msg := "run failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		return NewExitCodeError(sync.ExitFatal, msg)
	}
}

// runDryRun reports what a run would touch without acquiring the lease
// or writing to either store.
func (a *App) runDryRun(ctx context.Context, cmd *cobra.Command, ledger sync.Ledger, local sync.LocalStore) error {
	watermark, err := ledger.Watermark(ctx)
	if err != nil {
		return NewExitCodeError(sync.ExitFatal, fmt.Sprintf("read watermark: %v", err))
	}

	entities, err := sync.NewDetector(local).Detect(ctx, watermark)
	if err != nil {
		return NewExitCodeError(sync.ExitFatal, fmt.Sprintf("detect changes: %v", err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "dry run: %d changed record(s) since %s\n", len(entities), formatTime(watermark))
	for _, e := range entities {
		fmt.Fprintf(out, "  %d  %-10s  modified %s\n", e.LocalKey, sync.Classify(e), formatTime(e.LastModified))
	}
	return nil
}

// formatTime renders a timestamp, using "never" for the zero value.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
