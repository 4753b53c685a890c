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

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "lists known peers",
	Long:  `lists every peer this device has seen, including ones currently out of range`,
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

		peers, err := store.NewPeerStore(db).LoadPeers()
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No peers seen yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tSTATUS\tSIGNAL\tEMERGENCY\tLAST SEEN")
		for _, p := range peers {
			emergency := ""
			if p.Emergency {
				emergency = "YES"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				p.DisplayName, p.ID, p.Status, p.Signal, emergency,
				p.LastSeen.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}
