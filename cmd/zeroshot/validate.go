package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mark3labs/zeroshot/internal/config"
	"github.com/mark3labs/zeroshot/internal/orchestrator"
)

var validateFlags struct {
	cluster string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a cluster definition without starting it",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := validateFlags.cluster
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			path = cfg.ClusterFile
		}

		clusterCfg, err := orchestrator.LoadClusterConfig(path)
		if err != nil {
			return err
		}

		fmt.Printf("Cluster %s is valid: %d members\n", clusterCfg.ID, len(clusterCfg.Members))
		for _, m := range clusterCfg.Members {
			kind := "agent"
			if m.IsSubCluster() {
				kind = fmt.Sprintf("subcluster (%d child agents)", len(m.Cluster.Members))
			}
			fmt.Printf("  - %s: %s, %d triggers\n", m.ID, kind, len(m.Triggers))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateFlags.cluster, "cluster", "c", "", "Cluster definition file (default: cluster.yaml)")
}
