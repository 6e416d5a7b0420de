package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task. A task is created pending,
// becomes running through an atomic claim, and ends done when its agent
// finishes. Requeue moves done (or abandoned running) tasks back to pending.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
)

// Stream identifies which standard stream a log entry was captured from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Task is one queued shell command. IDs are store-assigned and increase
// monotonically, so the lowest pending id per tag is the FIFO head.
type Task struct {
	ID            int64      `json:"id"`
	Tag           string     `json:"tag"`
	Status        Status     `json:"status"`
	Command       []string   `json:"command"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LogEntry is one captured piece of child process output. Data is opaque
// binary; it marshals as base64 inside the JSON envelope and must round-trip
// exact bytes, terminal escapes included.
type LogEntry struct {
	Stream Stream `json:"stream"`
	Data   []byte `json:"data"`
}

// LogChunk is one persisted batch of output, flushed on an interval or at
// process exit. Chunk ids increase per task and define replay order; chunks
// are append-only and never rewritten.
type LogChunk struct {
	ID        int64      `json:"id"`
	TaskID    int64      `json:"task_id"`
	FlushedAt time.Time  `json:"flushed_at"`
	Entries   []LogEntry `json:"entries"`
}

// Schedule submits a fixed tag+command task whenever its cron expression
// fires. Schedules only feed the pending queue; claiming is untouched.
type Schedule struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	CronExpr string     `json:"cron_expr"`
	Tag      string     `json:"tag"`
	Command  []string   `json:"command"`
	Enabled  bool       `json:"enabled"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  time.Time  `json:"next_run"`
}

// Stale reports whether a running task's heartbeat is older than threshold.
// Advisory only: the store never marks tasks stale, readers derive it.
func (t Task) Stale(threshold time.Duration, now time.Time) bool {
	if t.Status != StatusRunning || t.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*t.LastHeartbeat) > threshold
}

// ValidateSubmission checks a tag+command pair before anything is persisted.
// Errors name the offending field.
func ValidateSubmission(tag string, command []string) error {
	if tag == "" {
		return fmt.Errorf("tag is required")
	}
	if len(command) == 0 {
		return fmt.Errorf("command is required")
	}
	if command[0] == "" {
		return fmt.Errorf("command[0] must be a program name")
	}
	return nil
}
