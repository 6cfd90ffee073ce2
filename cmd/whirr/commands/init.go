package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/whirr-ml/whirr/config"
	"github.com/whirr-ml/whirr/db"
	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
)

const defaultConfigYAML = `# whirr scheduling tunables (seconds)
heartbeat_interval: 30
heartbeat_timeout: 120
kill_grace_period: 10
poll_interval: 5
lease_seconds: 60
`

// InitCmd initializes a whirr project in the current directory.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a whirr project in the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "resolve working directory")
		}

		whirrDir := filepath.Join(cwd, config.DirName)
		if _, err := os.Stat(whirrDir); err == nil {
			fmt.Printf("Already initialized: %s\n", whirrDir)
			return nil
		}

		if err := os.MkdirAll(config.RunsDir(whirrDir), 0o755); err != nil {
			return errors.Wrap(err, "create project directories")
		}

		configPath := filepath.Join(whirrDir, "config.yaml")
		if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
			return errors.Wrap(err, "write default config")
		}

		conn, err := db.Open(config.DBPath(whirrDir), logger.Logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Migrate(conn, logger.Logger); err != nil {
			return err
		}

		fmt.Printf("Initialized whirr project: %s\n", whirrDir)
		return nil
	},
}
