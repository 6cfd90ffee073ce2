// Package server exposes the scheduling store over HTTP for multi-host
// deployments. Workers on other machines talk to these endpoints through
// client.Client; the run data itself lives on a shared filesystem that both
// the server and the workers mount at the same logical root.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whirr-ml/whirr/config"
	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
	"github.com/whirr-ml/whirr/queue"
)

// Server fronts a SQLiteStore with the HTTP API and runs the periodic
// orphan reaper.
type Server struct {
	store    *queue.SQLiteStore
	runsRoot string
	log      *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   *config.Config

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientsMu     sync.RWMutex
	clients       map[*eventClient]struct{}
	clientsClosed bool
	clientWG      sync.WaitGroup
}

// New assembles a server. runsRoot is the runs tree on the shared
// filesystem; cfg supplies the reaper cadence and lease tunables.
func New(store *queue.SQLiteStore, runsRoot string, cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:    store,
		runsRoot: runsRoot,
		log:      logger.Logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*eventClient]struct{}),
	}
}

// SetConfig swaps the scheduling tunables, used by the config watcher for
// hot reload.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Handler builds the route table. Exposed so tests and embedders can mount
// the API without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return mux
}

// Start listens on addr and blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startReaper()
	s.startEventBroadcaster()

	s.log.Infow("Server listening", "addr", addr, "runs_root", s.runsRoot)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http listen")
	}
	return nil
}

// Shutdown stops the listener gracefully, then the reaper and broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	s.cancel()
	s.wg.Wait()
	s.closeAllClients()
	s.clientWG.Wait()

	s.log.Infow("Server stopped")
	return httpErr
}
