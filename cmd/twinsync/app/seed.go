package app

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewSeedCommand creates the seed command, which populates the local
// store with sample facility records for demos and manual testing.
func (a *App) NewSeedCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:     "seed",
		GroupID: "management",
		Short:   "Insert sample records into the local store",
		Long: `Seed creates the local and remote store files if they do not exist and
inserts sample facility records into the local store. The records are
unlinked, so the next run will mint identifiers and push them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSeed(cmd, count)
		},
	}

	cmd.Flags().IntVar(&count, "count", 3, "number of sample records to insert")

	return cmd
}

func (a *App) runSeed(cmd *cobra.Command, count int) error {
	ctx := cmd.Context()

	local, err := a.OpenLocal()
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()

	// Opening the remote store creates its schema too, so a following
	// run has both sides in place.
	remote, err := a.OpenRemote()
	if err != nil {
		return fmt.Errorf("open remote store: %w", err)
	}
	defer remote.Close()

	now := time.Now().UTC()
	for i := 0; i < count; i++ {
		fields := sampleFacility(i)
		key, err := local.Create(ctx, fields, now)
		if err != nil {
			return fmt.Errorf("insert sample record: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created record %d (%s)\n", key, fields["navn"])
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d records into %s\n", count, a.config.LocalPath)
	return nil
}

// sampleFacility returns field values for one sample facility record.
func sampleFacility(i int) map[string]string {
	n := strconv.Itoa(i + 1)
	return map[string]string{
		"navn":               "Demo facilitet " + n,
		"temakode":           "5800",
		"temanavn":           "Friluftsliv",
		"kategori":           "Bålplads",
		"tilstand":           "God",
		"vejnavn":            "Skovvej",
		"husnr":              n,
		"postnr":             "8000",
		"beskrivelse":        "Opstillet til demonstration",
		"intern_note":        "oprettet af seed",
		"ansvarlig_afdeling": "Natur og Miljø",
	}
}
