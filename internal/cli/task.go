package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Return a task to the pending queue",
	Long: `Reset a done or abandoned task to pending so an agent can claim it
again. The task keeps its id and all previously captured output; the rerun's
output is appended after it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		if err := newClient().Requeue(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("task %d requeued\n", id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and its captured output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		if err := newClient().Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("task %d deleted\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(deleteCmd)
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}
