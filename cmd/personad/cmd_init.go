package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"personad/pkg/config"
	"personad/pkg/store"
)

const examplePersonaYAML = `id: example
name: Example
enabled: false
max_concurrent: 1
prompt: |
  You are an example persona. Describe what you would do, then finish.
triggers:
  - kind: manual
`

// newInitCmd creates the "personad init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the personad home directory, config, and database",
		Long: `Creates the personad home directory with a default config.toml,
an empty persona directory with an example definition, and the SQLite
database. Existing files are left alone unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			return runInit(cmd.OutOrStdout(), paths, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config and example persona")
	return cmd
}

func runInit(w io.Writer, paths *Paths, force bool) error {
	cfg := config.Config{}.WithDefaults(paths.Home)

	for _, dir := range []string{paths.Home, cfg.PersonaDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := writeIfAbsent(paths.ConfigPath, marshalConfig(cfg), force); err != nil {
		return err
	}
	examplePath := filepath.Join(cfg.PersonaDir, "example.yaml")
	if err := writeIfAbsent(examplePath, []byte(examplePersonaYAML), force); err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	db.Close()

	fmt.Fprintf(w, "Initialized personad home at %s\n", paths.Home)
	fmt.Fprintf(w, "  config:   %s\n", paths.ConfigPath)
	fmt.Fprintf(w, "  personas: %s\n", cfg.PersonaDir)
	fmt.Fprintf(w, "  database: %s\n", cfg.DBPath)
	return nil
}

func marshalConfig(cfg config.Config) []byte {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return nil
	}
	return b
}

func writeIfAbsent(path string, data []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
