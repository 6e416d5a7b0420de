package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <tag> -- <command...>",
	Short: "Queue a command under a tag",
	Args:  cobra.MinimumNArgs(2),
	Example: `  remote-tasks submit gpu-box -- python train.py --epochs 10
  remote-tasks submit backup -- tar czf /backups/home.tgz /home`,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newClient().Submit(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Printf("task %d queued under %q\n", t.ID, t.Tag)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
}
