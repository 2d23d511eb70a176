package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/repository"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print the node at an absolute repository path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		repo, err := repository.Open(cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		sess, err := repo.Login(cfg.DefaultWorkspace, repository.SuperUser)
		if err != nil {
			return err
		}
		defer sess.Logout()

		node, err := sess.NodeState(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Path:      %s\n", args[0])
		fmt.Printf("Id:        %s\n", node.ID)
		fmt.Printf("Type:      %s\n", node.NodeTypeName)
		if len(node.Mixins) > 0 {
			fmt.Printf("Mixins:    %v\n", node.Mixins)
		}
		fmt.Printf("Children:  %d\n", len(node.ChildEntries()))
		for _, e := range node.ChildEntries() {
			fmt.Printf("  %s[%d] -> %s\n", e.Name, e.Index, e.ID)
		}
		fmt.Printf("Properties:\n")
		for _, name := range node.PropertyNames() {
			fmt.Printf("  %s\n", name)
		}
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show cluster journal status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.ClusterID == "" {
			fmt.Println("Clustering disabled (no clusterId configured)")
			return nil
		}
		repo, err := repository.Open(cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		ws, err := repo.Workspace(cfg.DefaultWorkspace)
		if err != nil {
			return err
		}
		cluster := ws.Cluster()
		fmt.Printf("Cluster id:      %s\n", cfg.ClusterID)
		fmt.Printf("Local revision:  %d\n", cluster.Revision())
		return nil
	},
}

func init() {
	inspectCmd.Flags().String("config", "burrow.yaml", "Path to the repository configuration file")
	journalCmd.Flags().String("config", "burrow.yaml", "Path to the repository configuration file")
}
