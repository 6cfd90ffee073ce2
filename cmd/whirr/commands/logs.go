package commands

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/config"
	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/runfs"
)

var logsFollow bool

// LogsCmd prints a job's captured output.
var LogsCmd = &cobra.Command{
	Use:   "logs <job-id | run-id>",
	Short: "Show a job's captured output",
	Long: `Print the merged stdout/stderr of a run.

Accepts a numeric job id or a run id (job-<id> or local-...). With
--follow, keeps reading as the job writes, like tail -f.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		whirrDir, err := config.RequireWhirrDir("")
		if err != nil {
			return err
		}

		runID := args[0]
		if id, err := strconv.ParseInt(runID, 10, 64); err == nil {
			runID = queue.RunIDForJob(id)
		}

		path := filepath.Join(runfs.Dir(config.RunsDir(whirrDir), runID), runfs.OutputFile)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.NewNotFound("no output for run %s", runID)
			}
			return errors.Wrapf(err, "open %s", path)
		}
		defer f.Close()

		if _, err := io.Copy(os.Stdout, f); err != nil {
			return errors.Wrap(err, "read log")
		}
		if !logsFollow {
			return nil
		}

		// Poll for appended bytes. The writer holds the file open for the
		// whole run, so there is no rotation to chase.
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			if _, err := io.Copy(os.Stdout, f); err != nil {
				return errors.Wrap(err, "read log")
			}
		}
	},
}

func init() {
	LogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep reading as output is appended")
}
