package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omasakun/remote-tasks/internal/domain"
	"github.com/omasakun/remote-tasks/internal/replay"
)

var (
	logsAt     int
	logsStream string
)

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Replay captured output for a task",
	Long: `Print the exact bytes a task's command wrote, rebuilt from the
persisted log chunks. With --at N only the first N chunks are replayed,
which shows the output as it looked after the Nth flush.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVar(&logsAt, "at", -1, "replay only the first N chunks")
	logsCmd.Flags().StringVar(&logsStream, "stream", "", "limit output to one stream (stdout or stderr)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	chunks, err := newClient().Logs(cmd.Context(), id)
	if err != nil {
		return err
	}

	pos := len(chunks)
	if logsAt >= 0 {
		pos = logsAt
	}

	var out []byte
	switch logsStream {
	case "":
		out = replay.Render(chunks, pos)
	case "stdout":
		out = replay.RenderStream(chunks, pos, domain.StreamStdout)
	case "stderr":
		out = replay.RenderStream(chunks, pos, domain.StreamStderr)
	default:
		return fmt.Errorf("invalid stream %q (want stdout or stderr)", logsStream)
	}

	_, err = os.Stdout.Write(out)
	return err
}
