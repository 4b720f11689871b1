package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/spf13/cobra"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	// Ensure logger is closed on exit
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zeroshot",
	Short: "Agent cluster orchestration engine with a durable message ledger",
	Long: `zeroshot orchestrates clusters of autonomous agents around a durable,
append-only message ledger backed by embedded NATS JetStream.

Agents are declared in a YAML cluster definition: each reacts to bus
topics through triggers, runs an external task process, and publishes
results back to the cluster. Clusters nest recursively via subcluster
members that spawn and supervise child clusters.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
