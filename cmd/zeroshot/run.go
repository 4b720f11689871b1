package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mark3labs/zeroshot/internal/config"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/orchestrator"
)

var runFlags struct {
	cluster     string
	dataDir     string
	workDir     string
	taskCommand []string
}

var runCmd = &cobra.Command{
	Use:   "run [issue text]",
	Short: "Start a cluster and seed it with an issue",
	Long: `Start the cluster defined in the cluster file, seed it with the given
issue text (the ISSUE_OPENED entry message), and supervise it until a
terminal outcome or an interrupt.

The issue text is taken from the positional argument, or from --issue-file
when given. Flags override values from zeroshot.yml and the environment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var issueFile string

func init() {
	runCmd.Flags().StringVarP(&runFlags.cluster, "cluster", "c", "", "Cluster definition file (default: cluster.yaml)")
	runCmd.Flags().StringVar(&runFlags.dataDir, "data-dir", "", "Data directory for NATS storage (default: .zeroshot)")
	runCmd.Flags().StringVar(&runFlags.workDir, "work-dir", "", "Working directory for task processes")
	runCmd.Flags().StringSliceVar(&runFlags.taskCommand, "task", nil, "External task command, e.g. --task agent-cli,--json")
	runCmd.Flags().StringVar(&issueFile, "issue-file", "", "Read the issue text from a file")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyRunFlags(cfg)

	issue, err := resolveIssue(args)
	if err != nil {
		return err
	}

	if len(cfg.TaskCommand) == 0 {
		return fmt.Errorf("no task command configured, use --task or set task_command in zeroshot.yml")
	}

	clusterCfg, err := orchestrator.LoadClusterConfig(cfg.ClusterFile)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Cluster:     *clusterCfg,
		DataDir:     cfg.DataDir,
		WorkDir:     cfg.WorkDir,
		TaskCommand: cfg.TaskCommand,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	ctx := cmd.Context()
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster: %w", err)
	}
	defer func() {
		if err := orch.Stop(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}()

	// Graceful shutdown on interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := orch.Seed(ctx, issue); err != nil {
		return fmt.Errorf("seeding cluster: %w", err)
	}
	fmt.Printf("Cluster %s running (%d members)\n", clusterCfg.ID, len(orch.Cluster().Members()))

	select {
	case outcome := <-orch.Done():
		if outcome.Topic == message.TopicClusterFailed {
			if info := orch.Cluster().FailureInfo(); info != nil {
				logger.Error("Cluster failed: agent=%s iteration=%d attempts=%d error=%s",
					info.AgentID, info.Iteration, info.Attempts, info.Error)
			}
			return fmt.Errorf("cluster %s failed: %v", clusterCfg.ID, outcome.Content.Data["reason"])
		}
		fmt.Printf("Cluster %s completed\n", clusterCfg.ID)
		return nil
	case sig := <-sigChan:
		fmt.Printf("\nReceived %s, shutting down gracefully...\n", sig)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func applyRunFlags(cfg *config.Config) {
	if runFlags.cluster != "" {
		cfg.ClusterFile = runFlags.cluster
	}
	if runFlags.dataDir != "" {
		cfg.DataDir = runFlags.dataDir
	}
	if runFlags.workDir != "" {
		cfg.WorkDir = runFlags.workDir
	}
	if len(runFlags.taskCommand) > 0 {
		cfg.TaskCommand = runFlags.taskCommand
	}
}

func resolveIssue(args []string) (string, error) {
	if issueFile != "" {
		data, err := os.ReadFile(issueFile)
		if err != nil {
			return "", fmt.Errorf("reading issue file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	return "", fmt.Errorf("no issue text given, pass it as an argument or use --issue-file")
}
