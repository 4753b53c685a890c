package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/beaconmesh/beacon/internal/config"
	"github.com/beaconmesh/beacon/internal/store"
)

var activityLimit int

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "shows recent session activity",
	Long:  `shows the most recent peer sightings, link changes and messages, newest first`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store %s: %w", cfg.StorePath, err)
		}

		entries, err := store.NewActivityStore(db).Recent(activityLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No activity recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tKIND\tPEER\tDETAIL")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.At.Format("2006-01-02 15:04:05"), e.Kind, e.PeerID, e.Detail)
		}
		return w.Flush()
	},
}

func init() {
	activityCmd.Flags().IntVarP(&activityLimit, "limit", "n", 20, "how many entries to show")
}
