package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/omasakun/remote-tasks/internal/domain"
	"github.com/omasakun/remote-tasks/internal/queue"
)

var (
	listTag    string
	listStatus string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks, optionally filtered by tag or status. Running tasks
whose heartbeat is older than the stale threshold are marked; they may have
lost their agent and can be requeued.`,
	RunE: runList,
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List known tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := newClient().Tags(cmd.Context())
		if err != nil {
			return err
		}
		for _, t := range tags {
			fmt.Println(t)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(tagsCmd)
	listCmd.Flags().StringVar(&listTag, "tag", "", "only tasks with this tag")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only tasks with this status (pending, running, done)")
}

func runList(cmd *cobra.Command, args []string) error {
	tasks, err := newClient().List(cmd.Context(), queue.Filter{
		Tag:    listTag,
		Status: domain.Status(listStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTAG\tSTATUS\tEXIT\tHEARTBEAT\tCOMMAND")
	now := time.Now()
	for _, t := range tasks {
		status := string(t.Status)
		if t.Stale(cfg.StaleThreshold.Std(), now) {
			status += " (stale)"
		}
		exit := "-"
		if t.ExitCode != nil {
			exit = strconv.Itoa(*t.ExitCode)
		}
		heartbeat := "-"
		if t.LastHeartbeat != nil {
			heartbeat = now.Sub(*t.LastHeartbeat).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Tag, status, exit, heartbeat, strings.Join(t.Command, " "))
	}
	return w.Flush()
}
