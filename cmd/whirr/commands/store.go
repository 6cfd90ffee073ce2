// Package commands holds the whirr CLI subcommands.
package commands

import (
	"github.com/whirr-ml/whirr/client"
	"github.com/whirr-ml/whirr/config"
	"github.com/whirr-ml/whirr/db"
	"github.com/whirr-ml/whirr/logger"
	"github.com/whirr-ml/whirr/queue"
)

// storeContext is everything a command needs to talk to the scheduler in
// either mode.
type storeContext struct {
	Store    queue.Store
	Config   *config.Config
	RunsRoot string

	// Embedded is true when the store is the local SQLite database; false
	// when fronted by a server.
	Embedded bool
}

// openStore resolves the scheduling backend: a server URL (flag or
// WHIRR_SERVER_URL) selects networked mode, otherwise the nearest .whirr
// project's embedded database. Callers must Close() the returned store.
func openStore(serverURL, dataDir string) (*storeContext, error) {
	whirrDir := config.FindWhirrDir("")

	cfg, err := config.Load(whirrDir)
	if err != nil {
		return nil, err
	}
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	if dataDir == "" {
		dataDir = cfg.DataDir
	}

	if serverURL != "" {
		runsRoot := ""
		if dataDir != "" {
			runsRoot = config.RunsDir(dataDir)
		}
		return &storeContext{
			Store:    client.New(serverURL),
			Config:   cfg,
			RunsRoot: runsRoot,
			Embedded: false,
		}, nil
	}

	if whirrDir == "" {
		var err error
		whirrDir, err = config.RequireWhirrDir("")
		if err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(config.DBPath(whirrDir), logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger.Logger); err != nil {
		conn.Close()
		return nil, err
	}

	return &storeContext{
		Store:    queue.NewSQLiteStore(conn),
		Config:   cfg,
		RunsRoot: config.RunsDir(whirrDir),
		Embedded: true,
	}, nil
}
