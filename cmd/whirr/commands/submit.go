package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/runfs"
)

var (
	submitCommand    string
	submitName       string
	submitTags       []string
	submitWorkdir    string
	submitConfigFile string
	submitServerURL  string
)

// SubmitCmd enqueues a job.
var SubmitCmd = &cobra.Command{
	Use:   "submit [flags] -- <command> [args...]",
	Short: "Submit a job to the queue",
	Long: `Submit a command to the job queue.

The command is executed verbatim with no shell interpretation. Pass it
either after "--" as separate arguments, or as a single string with -c
(split with shell-style quoting, still executed without a shell).

Examples:
  whirr submit -- python train.py --lr 3e-4
  whirr submit -c "python train.py --lr 3e-4" --name baseline --tag sweep1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		argv := args
		if submitCommand != "" {
			if len(args) > 0 {
				return errors.New("pass either -c or positional arguments, not both")
			}
			split, err := shellquote.Split(submitCommand)
			if err != nil {
				return errors.Wrap(err, "parse command string")
			}
			argv = split
		}
		if len(argv) == 0 {
			return errors.New("no command given")
		}

		workdir := submitWorkdir
		if workdir == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return errors.Wrap(err, "resolve working directory")
			}
			workdir = cwd
		}
		workdir, err := filepath.Abs(workdir)
		if err != nil {
			return errors.Wrap(err, "resolve workdir")
		}

		var cfg json.RawMessage
		if submitConfigFile != "" {
			data, err := os.ReadFile(submitConfigFile)
			if err != nil {
				return errors.Wrapf(err, "read config file %s", submitConfigFile)
			}
			if !json.Valid(data) {
				return errors.Newf("config file %s is not valid JSON", submitConfigFile)
			}
			cfg = data
		}

		sc, err := openStore(submitServerURL, "")
		if err != nil {
			return err
		}
		defer sc.Store.Close()

		job, err := sc.Store.Enqueue(cmd.Context(), queue.EnqueueRequest{
			CommandArgv: argv,
			Workdir:     workdir,
			Name:        submitName,
			Tags:        submitTags,
			Config:      cfg,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Submitted job #%d\n", job.ID)
		fmt.Printf("  run_id:  %s\n", job.RunID)
		if sc.RunsRoot != "" {
			fmt.Printf("  run_dir: %s\n", runfs.Dir(sc.RunsRoot, job.RunID))
		}
		return nil
	},
}

func init() {
	SubmitCmd.Flags().StringVarP(&submitCommand, "command", "c", "", "Command as a single shell-quoted string")
	SubmitCmd.Flags().StringVarP(&submitName, "name", "n", "", "Human-readable job name")
	SubmitCmd.Flags().StringArrayVarP(&submitTags, "tag", "t", nil, "Tag (repeatable)")
	SubmitCmd.Flags().StringVarP(&submitWorkdir, "workdir", "w", "", "Working directory for the job (default: current directory)")
	SubmitCmd.Flags().StringVar(&submitConfigFile, "config", "", "JSON file recorded as the run's config.json")
	SubmitCmd.Flags().StringVarP(&submitServerURL, "server", "s", "", "Server URL for networked mode (env: WHIRR_SERVER_URL)")
}
