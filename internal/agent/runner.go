// Package agent implements the task runner: it claims queued tasks for a
// tag, executes their commands as child processes and streams captured
// output and liveness information back to the store.
package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omasakun/remote-tasks/internal/domain"
)

// Default intervals for runners that do not configure their own.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultFlushInterval     = 5 * time.Second
)

const (
	finalAttempts = 3
	finalDelay    = 200 * time.Millisecond
)

// Queue is the slice of the store a runner needs. Both queue.Repository and
// client.Client satisfy it, so runners work embedded or over HTTP.
type Queue interface {
	ClaimNext(ctx context.Context, tag string) (*domain.Task, error)
	Update(ctx context.Context, task domain.Task) error
	AppendLog(ctx context.Context, chunk domain.LogChunk) (int64, error)
}

// Config controls a single runner.
type Config struct {
	// Tag selects which tasks this runner claims.
	Tag string

	// Repeat keeps the runner polling after the queue drains. When false
	// the runner exits once no pending task remains for the tag.
	Repeat bool

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration

	// Prepare commands run before each claim attempt, typically to sync a
	// workspace. A failure skips the cycle without touching the queue.
	Prepare [][]string

	// Stdout and Stderr receive a live echo of captured child output.
	// Either may be nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner claims and executes tasks for one tag.
type Runner struct {
	queue Queue
	cfg   Config
	id    string
	log   zerolog.Logger
}

func New(queue Queue, cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	id := uuid.NewString()
	return &Runner{
		queue: queue,
		cfg:   cfg,
		id:    id,
		log:   log.With().Str("runner_id", id).Str("tag", cfg.Tag).Logger(),
	}
}

// ID returns the runner's identity, mostly for logs.
func (r *Runner) ID() string { return r.id }

// Run executes claim/execute cycles until the context is canceled or, when
// Repeat is off, until the queue has no pending task for the tag. Child
// failures are outcomes, not errors: a non-zero exit is recorded on the task
// and the runner moves on.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Bool("repeat", r.cfg.Repeat).Msg("runner started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.prepare(ctx); err != nil {
			if !r.cfg.Repeat {
				return err
			}
			r.log.Error().Err(err).Msg("preparation failed, skipping cycle")
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		task, err := r.claim(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			r.log.Info().Msg("queue drained, runner exiting")
			return nil
		}
		r.execute(ctx, task)
	}
}

func (r *Runner) prepare(ctx context.Context) error {
	for _, argv := range r.cfg.Prepare {
		if len(argv) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = r.cfg.Stdout
		cmd.Stderr = r.cfg.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("prepare %q: %w", strings.Join(argv, " "), err)
		}
	}
	return nil
}

// claim polls until a task is won. A store error counts as an empty poll:
// the runner backs off and retries rather than dying with the store.
func (r *Runner) claim(ctx context.Context) (*domain.Task, error) {
	for {
		task, err := r.queue.ClaimNext(ctx, r.cfg.Tag)
		if err != nil {
			r.log.Warn().Err(err).Msg("claim failed, treating as empty poll")
			task = nil
		}
		if task != nil {
			r.log.Info().Int64("task_id", task.ID).Strs("command", task.Command).Msg("task claimed")
			return task, nil
		}
		if !r.cfg.Repeat {
			return nil, nil
		}
		if err := r.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

func (r *Runner) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.cfg.PollInterval):
		return nil
	}
}

// execute runs one claimed task to completion: spawn the child, keep the
// heartbeat and flush loops going while it runs, then finalize. A spawn
// failure is recorded as exit code -1.
func (r *Runner) execute(ctx context.Context, task *domain.Task) {
	logger := r.log.With().Int64("task_id", task.ID).Logger()
	buf := newOutputBuffer()

	cmd := exec.CommandContext(ctx, task.Command[0], task.Command[1:]...)
	cmd.Stdout = &streamWriter{buf: buf, stream: domain.StreamStdout, echo: r.cfg.Stdout}
	cmd.Stderr = &streamWriter{buf: buf, stream: domain.StreamStderr, echo: r.cfg.Stderr}

	exitCode := -1
	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Msg("spawn failed")
	} else {
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go r.heartbeatLoop(ctx, task, done, &wg, logger)
		go r.flushLoop(ctx, task.ID, buf, done, &wg, logger)

		err := cmd.Wait()
		close(done)
		wg.Wait()

		exitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			logger.Warn().Err(err).Int("exit_code", exitCode).Msg("child exited abnormally")
		}
	}

	r.finalize(ctx, task, buf, exitCode, logger)
}

// heartbeatLoop refreshes last_heartbeat while the child runs so readers can
// tell the task is alive. The writes go through the same unconditioned
// update as finalization; a failed beat is only logged since the next tick
// will try again.
func (r *Runner) heartbeatLoop(ctx context.Context, task *domain.Task, done <-chan struct{}, wg *sync.WaitGroup, logger zerolog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			beat := now.UTC()
			task.LastHeartbeat = &beat
			if err := r.queue.Update(ctx, *task); err != nil {
				logger.Warn().Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

func (r *Runner) flushLoop(ctx context.Context, taskID int64, buf *outputBuffer, done <-chan struct{}, wg *sync.WaitGroup, logger zerolog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.flush(ctx, taskID, buf); err != nil {
				logger.Warn().Err(err).Msg("log flush failed, keeping buffer")
			}
		}
	}
}

// flush drains the buffered output into one chunk. The buffer is cleared
// only after the append is acknowledged, so delivery is at-least-once: a
// lost acknowledgment can duplicate a chunk, it never loses one.
func (r *Runner) flush(ctx context.Context, taskID int64, buf *outputBuffer) error {
	entries := buf.snapshot()
	if len(entries) == 0 {
		return nil
	}
	chunk := domain.LogChunk{
		TaskID:    taskID,
		FlushedAt: time.Now().UTC(),
		Entries:   entries,
	}
	if _, err := r.queue.AppendLog(ctx, chunk); err != nil {
		return err
	}
	buf.discard(len(entries))
	return nil
}

// finalize pushes the remaining output and the terminal status. Both writes
// retry a few times so a briefly unreachable store does not lose the tail of
// a finished task; if they still fail the task stays running and an operator
// requeues it.
func (r *Runner) finalize(ctx context.Context, task *domain.Task, buf *outputBuffer, exitCode int, logger zerolog.Logger) {
	if err := retry(finalAttempts, finalDelay, func() error {
		return r.flush(ctx, task.ID, buf)
	}); err != nil {
		logger.Error().Err(err).Msg("final log flush failed")
	}

	code := exitCode
	task.Status = domain.StatusDone
	task.ExitCode = &code
	task.LastHeartbeat = nil
	if err := retry(finalAttempts, finalDelay, func() error {
		return r.queue.Update(ctx, *task)
	}); err != nil {
		logger.Error().Err(err).Msg("terminal status write failed, task left running")
		return
	}
	logger.Info().Int("exit_code", code).Msg("task finished")
}

func retry(attempts int, delay time.Duration, f func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
