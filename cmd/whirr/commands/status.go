package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/queue"
)

var statusServerURL string

// StatusCmd summarizes the queue and workers.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and worker status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := openStore(statusServerURL, "")
		if err != nil {
			return err
		}
		defer sc.Store.Close()

		counts, err := sc.Store.Counts(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Jobs:    queued=%d running=%d completed=%d failed=%d cancelled=%d\n",
			counts.Queued, counts.Running, counts.Completed, counts.Failed, counts.Cancelled)
		fmt.Printf("Workers: idle=%d busy=%d\n", counts.WorkersIdle, counts.WorkersBusy)

		active, err := sc.Store.ListActive(cmd.Context())
		if err != nil {
			return err
		}
		if len(active) > 0 {
			fmt.Println("\nActive jobs:")
			for _, job := range active {
				line := fmt.Sprintf("  #%d [%s]", job.ID, job.Status)
				if job.Name != "" {
					line += " " + job.Name
				} else if len(job.CommandArgv) > 0 {
					line += " " + job.CommandArgv[0]
				}
				if job.Status == queue.StatusRunning && job.WorkerID != "" {
					line += " on " + job.WorkerID
				}
				if job.Attempt > 1 {
					line += fmt.Sprintf(" (attempt %d)", job.Attempt)
				}
				fmt.Println(line)
			}
		}

		workers, err := sc.Store.ListWorkers(cmd.Context())
		if err != nil {
			return err
		}
		if len(workers) > 0 {
			fmt.Println("\nWorkers:")
			for _, w := range workers {
				line := fmt.Sprintf("  %s [%s]", w.ID, w.Status)
				if w.CurrentJobID != nil {
					line += fmt.Sprintf(" job #%d", *w.CurrentJobID)
				}
				if w.LastSeenAt != nil {
					line += " last seen " + w.LastSeenAt.Local().Format("15:04:05")
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	StatusCmd.Flags().StringVarP(&statusServerURL, "server", "s", "", "Server URL for networked mode (env: WHIRR_SERVER_URL)")
}
