package commands

import (
	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/worker"
)

var (
	workerGPU       int
	workerServerURL string
	workerDataDir   string
)

// WorkerCmd runs the claim-supervise loop until drained or forced.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker that claims and runs queued jobs",
	Long: `Start a worker to process jobs from the queue.

Embedded mode (default) talks directly to the local .whirr database.
Networked mode (--server) talks to a whirr server over HTTP and needs
--data-dir pointing at the shared filesystem both sides mount.

The first Ctrl-C drains: the current job finishes, then the worker exits.
A second Ctrl-C terminates the current job's process group (SIGTERM, a
grace window, then SIGKILL) and exits.

Examples:
  whirr worker                 # one worker, embedded mode
  whirr worker --gpu 0         # pin to GPU 0 (sets CUDA_VISIBLE_DEVICES)
  whirr worker --server http://head-node:8080 --data-dir /mnt/shared/whirr`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerServerURL != "" && workerDataDir == "" {
			return errors.New("--data-dir is required in networked mode")
		}

		sc, err := openStore(workerServerURL, workerDataDir)
		if err != nil {
			return err
		}
		defer sc.Store.Close()

		var gpuIndex *int
		if cmd.Flags().Changed("gpu") {
			gpu := workerGPU
			gpuIndex = &gpu
		}

		w, err := worker.New(worker.Options{
			Store:       sc.Store,
			RunsRoot:    sc.RunsRoot,
			GPUIndex:    gpuIndex,
			Config:      sc.Config,
			ReapOnStart: sc.Embedded,
		})
		if err != nil {
			return err
		}

		return w.Run(cmd.Context())
	},
}

func init() {
	WorkerCmd.Flags().IntVarP(&workerGPU, "gpu", "g", 0, "GPU index for this worker slot")
	WorkerCmd.Flags().StringVarP(&workerServerURL, "server", "s", "", "Server URL for networked mode (env: WHIRR_SERVER_URL)")
	WorkerCmd.Flags().StringVarP(&workerDataDir, "data-dir", "d", "", "Shared data directory for networked mode (env: WHIRR_DATA_DIR)")
}
