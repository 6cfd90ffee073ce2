package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/errors"
)

var retryServerURL string

// RetryCmd resubmits failed or cancelled jobs.
var RetryCmd = &cobra.Command{
	Use:   "retry <job-id...>",
	Short: "Retry failed or cancelled jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := openStore(retryServerURL, "")
		if err != nil {
			return err
		}
		defer sc.Store.Close()

		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return errors.Newf("invalid job id %q", arg)
			}
			job, err := sc.Store.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Retrying job #%d as #%d (attempt %d)\n", id, job.ID, job.Attempt)
		}
		return nil
	},
}

func init() {
	RetryCmd.Flags().StringVarP(&retryServerURL, "server", "s", "", "Server URL for networked mode (env: WHIRR_SERVER_URL)")
}
