package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/repository"
)

var initCmd = &cobra.Command{
	Use:   "init <home-dir>",
	Short: "Create a repository home with a default configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		cfg := config.Default()
		cfg.Home = home

		repo, err := repository.Open(cfg)
		if err != nil {
			return err
		}
		if _, err := repo.Workspace(cfg.DefaultWorkspace); err != nil {
			repo.Close()
			return err
		}
		if err := repo.Close(); err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		cfgPath := filepath.Join(home, "burrow.yaml")
		if err := os.WriteFile(cfgPath, data, 0600); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Repository initialized at %s\n", home)
		fmt.Printf("Configuration written to %s\n", cfgPath)
		return nil
	},
}
