// Package config manages whirr project configuration.
//
// A whirr project is rooted at a `.whirr` directory which holds the embedded
// SQLite database (`whirr.db`), the runs tree (`runs/`), and an optional
// `config.yaml` with scheduling tunables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/whirr-ml/whirr/errors"
)

// DirName is the project marker directory.
const DirName = ".whirr"

// Config holds scheduling tunables. Durations are expressed in seconds in
// config.yaml for compatibility with the documented format.
type Config struct {
	// HeartbeatInterval is how often a worker renews its lease while
	// supervising a child.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval"`

	// HeartbeatTimeout is how stale a running job's heartbeat may be before
	// the embedded reaper requeues it.
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout"`

	// KillGracePeriod is the window between SIGTERM and SIGKILL.
	KillGracePeriodSeconds int `mapstructure:"kill_grace_period"`

	// PollInterval is how long a worker sleeps when the queue is empty.
	PollIntervalSeconds int `mapstructure:"poll_interval"`

	// LeaseSeconds is the lease duration requested on claim and renew.
	LeaseSeconds int `mapstructure:"lease_seconds"`

	// ServerURL switches the worker and CLI to networked mode when set.
	ServerURL string `mapstructure:"server_url"`

	// DataDir overrides the data root (required in networked mode, where it
	// must point at the shared filesystem).
	DataDir string `mapstructure:"data_dir"`
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) KillGracePeriod() time.Duration {
	return time.Duration(c.KillGracePeriodSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// SetDefaults installs the documented defaults on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("heartbeat_interval", 30)
	v.SetDefault("heartbeat_timeout", 120)
	v.SetDefault("kill_grace_period", 10)
	v.SetDefault("poll_interval", 5)
	v.SetDefault("lease_seconds", 60)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("WHIRR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// WHIRR_SERVER_URL and WHIRR_DATA_DIR are the documented env names.
	v.BindEnv("server_url")
	v.BindEnv("data_dir")
	SetDefaults(v)
	return v
}

// Load reads configuration for the project rooted at whirrDir. Pass an empty
// whirrDir to use defaults plus environment only (networked workers outside
// any project).
func Load(whirrDir string) (*Config, error) {
	v := newViper()

	if whirrDir != "" {
		path := filepath.Join(whirrDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// FindWhirrDir walks up from start looking for a .whirr directory.
// Returns "" when none is found.
func FindWhirrDir(start string) string {
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		start = cwd
	}

	current, err := filepath.Abs(start)
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(current, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// RequireWhirrDir is FindWhirrDir with a user-actionable error.
func RequireWhirrDir(start string) (string, error) {
	dir := FindWhirrDir(start)
	if dir == "" {
		return "", errors.WithHint(
			errors.ErrNotInitialized,
			"run 'whirr init' in your project directory first")
	}
	return dir, nil
}

// DBPath returns the embedded database path for a project.
func DBPath(whirrDir string) string {
	return filepath.Join(whirrDir, "whirr.db")
}

// RunsDir returns the runs tree for a project.
func RunsDir(whirrDir string) string {
	return filepath.Join(whirrDir, "runs")
}
