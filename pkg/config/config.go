// Package config loads the personad engine configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the engine configuration, normally loaded from
// ~/.personad/config.toml. Intervals are plain seconds in the file;
// use the duration accessors. Zero values are filled by WithDefaults.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `toml:"db_path"`
	// PersonaDir holds the YAML persona definitions.
	PersonaDir string `toml:"persona_dir"`
	// WorkDir is the root for persona-scoped working directories.
	WorkDir string `toml:"work_dir"`
	// CLICommand is the default external reasoning process.
	CLICommand string `toml:"cli_command"`
	// TickIntervalSecs is the scheduler evaluation cadence.
	TickIntervalSecs int `toml:"tick_interval_secs"`
	// ReloadPollSecs is the registry polling fallback cadence.
	ReloadPollSecs int `toml:"reload_poll_secs"`
	// DefaultTimeoutMS bounds executions whose persona sets no timeout.
	DefaultTimeoutMS int64 `toml:"default_timeout_ms"`
	// MaxQueueDepth bounds each persona's pending request queue.
	MaxQueueDepth int `toml:"max_queue_depth"`
	// MaxEventHops bounds recursive bus deliveries.
	MaxEventHops int `toml:"max_event_hops"`
	// EventRetentionDays is how long event rows are kept.
	EventRetentionDays int `toml:"event_retention_days"`
	// ShutdownGraceSecs bounds the drain period on stop.
	ShutdownGraceSecs int `toml:"shutdown_grace_secs"`
}

// Defaults.
const (
	DefaultTickIntervalSecs   = 5
	DefaultReloadPollSecs     = 2
	DefaultTimeoutMS          = int64(600_000) // 10 minutes
	DefaultMaxQueueDepth      = 10
	DefaultMaxEventHops       = 8
	DefaultEventRetentionDays = 7
	DefaultShutdownGraceSecs  = 10
)

// WithDefaults returns a copy of c with zero values replaced by defaults.
// Path defaults are relative to home, the personad home directory.
func (c Config) WithDefaults(home string) Config {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(home, "personad.db")
	}
	if c.PersonaDir == "" {
		c.PersonaDir = filepath.Join(home, "personas")
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(home, "work")
	}
	if c.CLICommand == "" {
		c.CLICommand = "claude"
	}
	if c.TickIntervalSecs <= 0 {
		c.TickIntervalSecs = DefaultTickIntervalSecs
	}
	if c.ReloadPollSecs <= 0 {
		c.ReloadPollSecs = DefaultReloadPollSecs
	}
	if c.DefaultTimeoutMS <= 0 {
		c.DefaultTimeoutMS = DefaultTimeoutMS
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.MaxEventHops <= 0 {
		c.MaxEventHops = DefaultMaxEventHops
	}
	if c.EventRetentionDays <= 0 {
		c.EventRetentionDays = DefaultEventRetentionDays
	}
	if c.ShutdownGraceSecs <= 0 {
		c.ShutdownGraceSecs = DefaultShutdownGraceSecs
	}
	return c
}

// TickInterval returns the scheduler cadence as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSecs) * time.Second
}

// ReloadPoll returns the registry polling fallback cadence.
func (c Config) ReloadPoll() time.Duration {
	return time.Duration(c.ReloadPollSecs) * time.Second
}

// EventRetention returns the event log retention window.
func (c Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

// ShutdownGrace returns the drain period allowed on stop.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

// Load reads the TOML config at path and applies defaults relative to home.
// A missing file yields pure defaults, not an error.
func Load(path, home string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c.WithDefaults(home), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c.WithDefaults(home), nil
}
