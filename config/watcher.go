package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
)

// ReloadCallback receives the freshly loaded config after a file change.
type ReloadCallback func(*Config) error

// Watcher reloads scheduling tunables when .whirr/config.yaml changes, so a
// long-running server can pick up a new lease or grace period without a
// restart. Watches the directory rather than the file so editor
// rename-on-save sequences are still observed.
type Watcher struct {
	whirrDir string
	watcher  *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []ReloadCallback
	debounce  *time.Timer
}

// NewWatcher starts watching the project's config file. Callers register
// callbacks with OnReload and must Close the watcher on shutdown.
func NewWatcher(whirrDir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create config watcher")
	}
	if err := fsw.Add(whirrDir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch %s", whirrDir)
	}

	w := &Watcher{whirrDir: whirrDir, watcher: fsw}
	go w.loop()
	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "config.yaml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of filesystem events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(500*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.whirrDir)
	if err != nil {
		logger.Logger.Warnw("Config reload failed, keeping previous settings", "error", err)
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Logger.Warnw("Config reload callback failed", "error", err)
		}
	}
	logger.Logger.Infow("Configuration reloaded",
		"lease_seconds", cfg.LeaseSeconds,
		"kill_grace_period", cfg.KillGracePeriodSeconds)
}
