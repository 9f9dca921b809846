package commands

import (
	"fmt"
	"log/slog"

	"moodlegate/lib/configutil"
	"moodlegate/lib/serviceutil"
	"moodlegate/services/notify"
	"moodlegate/services/snapshot"

	"github.com/spf13/cobra"
)

var notifyDryRun *bool

func init() {
	notifyDryRun = notifyCmd.Flags().Bool("dry-run", false, "Print the digest instead of emailing it.")
	rootCmd.AddCommand(notifyCmd)
}

var notifyCmd = &cobra.Command{
	Use:   "notify [--dry-run]",
	Short: "Emails a digest of materials new since the previous snapshot.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := configutil.Load[notify.Config]("notify.json5")
		if err != nil {
			serviceutil.Fatal("failed to read notify.json5", err)
		}

		store, err := snapshot.OpenStore(cfg.DbPath)
		if err != nil {
			serviceutil.Fatal("failed to open db", err)
		}
		defer store.Close()

		notifier := &notify.Notifier{Store: store, Config: cfg}

		if *notifyDryRun {
			fresh, err := notifier.Digest(cmd.Context())
			if err != nil {
				serviceutil.Fatal("failed to compute digest", err)
			}
			if len(fresh) == 0 {
				slog.Info("nothing new")
				return
			}
			fmt.Print(notify.FormatDigest(fresh))
			return
		}

		if err := notifier.Send(cmd.Context()); err != nil {
			serviceutil.Fatal("failed to send digest", err)
		}
	},
}
