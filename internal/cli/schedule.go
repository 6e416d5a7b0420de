package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/omasakun/remote-tasks/internal/domain"
)

var scheduleDisabled bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron schedules",
	Long: `Schedules submit a fixed tag+command task whenever their cron
expression fires. They only feed the pending queue; execution still goes
through whichever agent claims the task.`,
}

var scheduleAddCmd = &cobra.Command{
	Use:     "add <name> <cron-expr> <tag> -- <command...>",
	Short:   "Create a schedule",
	Args:    cobra.MinimumNArgs(4),
	Example: `  remote-tasks schedule add nightly-backup "0 3 * * *" backup -- tar czf /backups/home.tgz /home`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := newClient().CreateSchedule(cmd.Context(), domain.Schedule{
			Name:     args[0],
			CronExpr: args[1],
			Tag:      args[2],
			Command:  args[3:],
			Enabled:  !scheduleDisabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("schedule %s created\n", id)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		schedules, err := newClient().ListSchedules(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCRON\tTAG\tENABLED\tNEXT RUN\tCOMMAND")
		for _, s := range schedules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
				s.ID, s.Name, s.CronExpr, s.Tag, s.Enabled,
				s.NextRun.Local().Format(time.RFC3339), strings.Join(s.Command, " "))
		}
		return w.Flush()
	},
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <schedule-id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteSchedule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("schedule %s deleted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRmCmd)

	scheduleAddCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "create the schedule disabled")
}
