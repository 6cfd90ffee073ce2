package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/config"
	"github.com/whirr-ml/whirr/db"
	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
	"github.com/whirr-ml/whirr/queue"
	"github.com/whirr-ml/whirr/server"
)

var (
	serverAddr    string
	serverDataDir string
)

// ServerCmd starts the HTTP server for multi-host mode.
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP server for multi-host mode",
	Long: `Start the whirr server fronting the job store over HTTP.

Remote workers claim jobs and renew leases through the server; run data is
written to the shared data directory that every worker mounts. The server
also runs the orphan reaper periodically.

Example:
  whirr server --addr :8080 --data-dir /mnt/shared/whirr`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := serverDataDir
		if dataDir == "" {
			dataDir = os.Getenv("WHIRR_DATA_DIR")
		}
		if dataDir == "" {
			if whirrDir := config.FindWhirrDir(""); whirrDir != "" {
				dataDir = whirrDir
			}
		}
		if dataDir == "" {
			return errors.WithHint(errors.ErrNotInitialized,
				"pass --data-dir or run inside an initialized project")
		}
		dataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return errors.Wrap(err, "resolve data dir")
		}

		runsRoot := config.RunsDir(dataDir)
		if err := os.MkdirAll(runsRoot, 0o755); err != nil {
			return errors.Wrap(err, "create runs directory")
		}

		cfg, err := config.Load(dataDir)
		if err != nil {
			return err
		}

		conn, err := db.Open(config.DBPath(dataDir), logger.Logger)
		if err != nil {
			return err
		}
		if err := db.Migrate(conn, logger.Logger); err != nil {
			conn.Close()
			return err
		}
		store := queue.NewSQLiteStore(conn)
		defer store.Close()

		srv := server.New(store, runsRoot, cfg)

		// Hot-reload scheduling tunables on config.yaml changes.
		if watcher, err := config.NewWatcher(dataDir); err == nil {
			defer watcher.Close()
			watcher.OnReload(func(updated *config.Config) error {
				srv.SetConfig(updated)
				return nil
			})
		} else {
			logger.Logger.Warnw("Config watcher unavailable", "error", err)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(serverAddr) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Logger.Infow("Shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

func init() {
	ServerCmd.Flags().StringVarP(&serverAddr, "addr", "a", ":8080", "Listen address")
	ServerCmd.Flags().StringVarP(&serverDataDir, "data-dir", "d", "", "Data directory holding the database and runs tree (env: WHIRR_DATA_DIR)")
}
