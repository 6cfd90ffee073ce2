package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/queue"
)

var (
	cancelAll       bool
	cancelServerURL string
)

// CancelCmd requests cancellation of jobs.
var CancelCmd = &cobra.Command{
	Use:   "cancel [job-id...]",
	Short: "Cancel queued or running jobs",
	Long: `Cancel jobs by id, or every queued job with --all.

Cancelling a queued job is immediate. Cancelling a running job is
cooperative: its worker observes the request within one heartbeat, sends
SIGTERM to the job's process group, and SIGKILLs after the grace window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cancelAll && len(args) > 0 {
			return errors.New("pass job ids or --all, not both")
		}
		if !cancelAll && len(args) == 0 {
			return errors.New("no job ids given (use --all to cancel every queued job)")
		}

		sc, err := openStore(cancelServerURL, "")
		if err != nil {
			return err
		}
		defer sc.Store.Close()

		if cancelAll {
			n, err := sc.Store.CancelAllQueued(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Cancelled %d queued job(s)\n", n)
			return nil
		}

		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return errors.Newf("invalid job id %q", arg)
			}
			status, err := sc.Store.RequestCancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			switch status {
			case queue.StatusCancelled:
				fmt.Printf("Job #%d cancelled\n", id)
			case queue.StatusRunning:
				fmt.Printf("Job #%d cancellation requested (worker will stop it)\n", id)
			default:
				fmt.Printf("Job #%d already %s\n", id, status)
			}
		}
		return nil
	},
}

func init() {
	CancelCmd.Flags().BoolVar(&cancelAll, "all", false, "Cancel every queued job")
	CancelCmd.Flags().StringVarP(&cancelServerURL, "server", "s", "", "Server URL for networked mode (env: WHIRR_SERVER_URL)")
}
