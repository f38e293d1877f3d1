package main

import (
	"fmt"
	"os"
	"path/filepath"

	"personad/pkg/config"
)

// Paths holds the resolved personad state locations.
// Use ResolvePaths() to populate with defaults + env overrides.
type Paths struct {
	Home       string // ~/.personad or PERSONAD_HOME
	ConfigPath string // config.toml or PERSONAD_CONFIG
}

// ResolvePaths returns the personad home and config path, respecting env
// var overrides:
//   - PERSONAD_HOME: base directory for all personad state (default: ~/.personad)
//   - PERSONAD_CONFIG: config file location (default: $PERSONAD_HOME/config.toml)
//
// Everything else (database, persona dir, work dir) comes from the config
// file, with defaults relative to Home.
func ResolvePaths() (*Paths, error) {
	home := os.Getenv("PERSONAD_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		home = filepath.Join(userHome, ".personad")
	}

	configPath := os.Getenv("PERSONAD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(home, "config.toml")
	}

	return &Paths{Home: home, ConfigPath: configPath}, nil
}

// loadConfig resolves paths and loads the effective configuration.
func loadConfig() (config.Config, *Paths, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(paths.ConfigPath, paths.Home)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, paths, nil
}
