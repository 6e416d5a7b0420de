package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omasakun/remote-tasks/internal/agent"
)

var (
	agentTag     string
	agentOnce    bool
	agentPrepare []string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a task agent",
	Long: `Claim tasks for a tag and execute them, streaming captured output
and heartbeats back to the server. Runs until interrupted, or with --once
until the queue has no pending task left for the tag.`,
	Example: `  # keep polling the "gpu-box" queue
  remote-tasks agent --tag gpu-box

  # sync the workspace before every claim, drain the queue, exit
  remote-tasks agent --tag gpu-box --prepare "git pull" --once`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentTag, "tag", "", "tag to claim tasks for")
	agentCmd.Flags().BoolVar(&agentOnce, "once", false, "exit when no pending task remains")
	agentCmd.Flags().StringArrayVar(&agentPrepare, "prepare", nil, "command to run before each claim (repeatable, split on whitespace)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	tag := agentTag
	if tag == "" {
		tag = cfg.Agent.Tag
	}
	if tag == "" {
		return fmt.Errorf("tag is required (--tag or agent.tag in config)")
	}

	prepare := cfg.Agent.Prepare
	for _, p := range agentPrepare {
		if argv := strings.Fields(p); len(argv) > 0 {
			prepare = append(prepare, argv)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := newClient()
	if err := cl.Health(ctx); err != nil {
		return fmt.Errorf("server not reachable: %w", err)
	}

	runner := agent.New(cl, agent.Config{
		Tag:               tag,
		Repeat:            !agentOnce,
		PollInterval:      cfg.Agent.PollInterval.Std(),
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Std(),
		FlushInterval:     cfg.Agent.FlushInterval.Std(),
		Prepare:           prepare,
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
