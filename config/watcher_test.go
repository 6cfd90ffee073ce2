package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	whirrDir := t.TempDir()
	path := filepath.Join(whirrDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lease_seconds: 60\n"), 0o644))

	w, err := NewWatcher(whirrDir)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("lease_seconds: 25\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 25, cfg.LeaseSeconds)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed after config write")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	whirrDir := t.TempDir()
	w, err := NewWatcher(whirrDir)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	reloaded := make(chan struct{}, 1)
	w.OnReload(func(*Config) error {
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	})

	require.NoError(t, os.WriteFile(filepath.Join(whirrDir, "whirr.db"), []byte("x"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(1 * time.Second):
	}
}
