package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/cmd/whirr/commands"
	"github.com/whirr-ml/whirr/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "whirr",
	Short: "whirr - job orchestrator for machine-learning experiments",
	Long: `whirr - local/distributed job orchestration for ML experiments.

Submit long-running commands to a queue; workers (typically one per GPU)
claim them, run them as supervised child processes, and record output,
metrics, and artifacts to a shared runs directory.

Examples:
  whirr init                               # Initialize a project (.whirr)
  whirr submit -- python train.py --lr 3e-4
  whirr worker --gpu 0                     # Start a worker on GPU 0
  whirr status                             # Queue and worker summary
  whirr server --addr :8080               # Multi-host mode HTTP server`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.InitCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.LogsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
