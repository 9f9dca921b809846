package commands

import (
	"log/slog"
	"time"

	"moodlegate/lib/serviceutil"
	"moodlegate/services/snapshot"

	"github.com/spf13/cobra"
)

var scrapeDb *string

func init() {
	scrapeDb = scrapeCmd.Flags().String("db", "snapshots.db", "The database to write scrape results to.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--db <path/to/output.db>]",
	Short: "Records a full snapshot of all visible course materials.",
	Run: func(cmd *cobra.Command, args []string) {
		client := createClient()

		store, err := snapshot.OpenStore(*scrapeDb)
		if err != nil {
			serviceutil.Fatal("failed to open db", err)
		}
		defer store.Close()

		scraper := &snapshot.Scraper{Client: client, Store: store}

		t1 := time.Now()
		runId, err := scraper.Run(cmd.Context())
		if err != nil {
			serviceutil.Fatal("snapshot run failed", err)
		}
		t2 := time.Now()

		slog.Info("scraping done", "run_id", runId, "seconds", t2.Sub(t1).Seconds())
	},
}
