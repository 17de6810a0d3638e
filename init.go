package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jianglibo/bkoverssh/internal/config"
)

// newInitCmd scaffolds a fresh hub: writes a default bk_over_ssh.yml (if one
// isn't already there) and creates the data_dir tree the resolved role
// needs (server conf dir, server data dir).
func newInitCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Scaffold a new hub's config file and data directory",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(flags.ConfigPath, role)
		},
	}

	cmd.Flags().StringVar(&role, "role", string(config.RoleController), "hub role (controller, leaf, pull_hub, receive_hub, passive_leaf, active_leaf)")

	return cmd
}

func runInit(configPath, role string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("init: %s already exists", configPath)
	}

	app := config.AppConf{DataDir: filepath.Join(filepath.Dir(configPath), "data"), Role: config.AppRole(role)}
	if err := app.Validate(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	data, err := yaml.Marshal(&app)
	if err != nil {
		return fmt.Errorf("init: marshaling default config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("init: writing %s: %w", configPath, err)
	}

	layout, err := config.ResolveDataLayout(app)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	fmt.Printf("wrote %s\ndata directory: %s\nserver conf directory: %s\n", configPath, layout.DataDir, layout.ServerConfDir)

	return nil
}
