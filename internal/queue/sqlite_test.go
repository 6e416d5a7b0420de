package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omasakun/remote-tasks/internal/domain"
)

func openTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewSQLiteRepo(db)
}

func TestSubmitAndGet(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	created, err := repo.Submit(ctx, "t1", []string{"echo", "hi"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Nil(t, created.ExitCode)
	assert.Nil(t, created.LastHeartbeat)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "t1", got.Tag)
	assert.Equal(t, []string{"echo", "hi"}, got.Command)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	_, err := repo.Submit(ctx, "", []string{"echo"})
	require.Error(t, err)
	_, err = repo.Submit(ctx, "t1", nil)
	require.Error(t, err)

	// Nothing persisted.
	tasks, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClaimNextFIFO(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	first, err := repo.Submit(ctx, "t1", []string{"echo", "1"})
	require.NoError(t, err)
	second, err := repo.Submit(ctx, "t1", []string{"echo", "2"})
	require.NoError(t, err)
	other, err := repo.Submit(ctx, "t2", []string{"echo", "other"})
	require.NoError(t, err)

	got, err := repo.ClaimNext(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
	require.NotNil(t, got.LastHeartbeat, "claim stamps the heartbeat")

	got, err = repo.ClaimNext(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	// t1 is drained; t2 is untouched.
	got, err = repo.ClaimNext(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)

	stillPending, err := repo.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stillPending.Status)
}

// TestClaimNextExclusive races N claimers against a single pending task:
// exactly one must win it, everyone else must come back empty.
func TestClaimNextExclusive(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	task, err := repo.Submit(ctx, "t1", []string{"echo", "hi"})
	require.NoError(t, err)

	const claimers = 8
	results := make([]*domain.Task, claimers)
	errs := make([]error, claimers)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = repo.ClaimNext(ctx, "t1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < claimers; i++ {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
			assert.Equal(t, task.ID, results[i].ID)
			assert.Equal(t, domain.StatusRunning, results[i].Status)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestClaimNextContention(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	const tasks = 6
	for i := 0; i < tasks; i++ {
		_, err := repo.Submit(ctx, "t1", []string{"true"})
		require.NoError(t, err)
	}

	// More claimers than tasks, each draining until empty. Every task must be
	// handed out exactly once across all of them.
	var mu sync.Mutex
	seen := make(map[int64]int)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := repo.ClaimNext(ctx, "t1")
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %d claimed %d times", id, n)
	}
}

func TestUpdateLifecycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	created, err := repo.Submit(ctx, "t1", []string{"true"})
	require.NoError(t, err)
	claimed, err := repo.ClaimNext(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Heartbeat refresh goes through the same unconditioned update.
	beat := time.Now().UTC().Add(2 * time.Second)
	claimed.LastHeartbeat = &beat
	require.NoError(t, repo.Update(ctx, *claimed))

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, beat, *got.LastHeartbeat, time.Second)

	// Terminal write: done + exit code, heartbeat cleared.
	code := 0
	claimed.Status = domain.StatusDone
	claimed.ExitCode = &code
	claimed.LastHeartbeat = nil
	require.NoError(t, repo.Update(ctx, *claimed))

	got, err = repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Nil(t, got.LastHeartbeat)
}

func TestUpdateUnknownTask(t *testing.T) {
	repo := openTestRepo(t)
	err := repo.Update(context.Background(), domain.Task{ID: 42, Status: domain.StatusDone})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestHeartbeatMonotonic writes a series of increasing heartbeats the way a
// runner does and checks the recorded values never go backwards.
func TestHeartbeatMonotonic(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	_, err := repo.Submit(ctx, "t1", []string{"sleep", "60"})
	require.NoError(t, err)
	task, err := repo.ClaimNext(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, task)

	prev := *task.LastHeartbeat
	for i := 1; i <= 5; i++ {
		beat := time.Now().UTC().Add(time.Duration(i) * time.Second)
		task.LastHeartbeat = &beat
		require.NoError(t, repo.Update(ctx, *task))

		got, err := repo.Get(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastHeartbeat)
		assert.False(t, got.LastHeartbeat.Before(prev), "heartbeat went backwards")
		prev = *got.LastHeartbeat
	}
}

func TestRequeueResetsTask(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	created, err := repo.Submit(ctx, "t1", []string{"true"})
	require.NoError(t, err)
	claimed, err := repo.ClaimNext(ctx, "t1")
	require.NoError(t, err)

	code := 1
	claimed.Status = domain.StatusDone
	claimed.ExitCode = &code
	claimed.LastHeartbeat = nil
	require.NoError(t, repo.Update(ctx, *claimed))

	_, err = repo.AppendLog(ctx, domain.LogChunk{
		TaskID:    created.ID,
		FlushedAt: time.Now().UTC(),
		Entries:   []domain.LogEntry{{Stream: domain.StreamStdout, Data: []byte("run 1\n")}},
	})
	require.NoError(t, err)

	require.NoError(t, repo.Requeue(ctx, created.ID))

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.LastHeartbeat)

	// Prior output survives; the next run appends after it.
	chunks, err := repo.Logs(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	// Requeueing an already pending task leaves the same state.
	require.NoError(t, repo.Requeue(ctx, created.ID))
	again, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Status, again.Status)
	assert.Nil(t, again.ExitCode)

	require.ErrorIs(t, repo.Requeue(ctx, 9999), ErrNotFound)
}

func TestAppendAndReadLogs(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	task, err := repo.Submit(ctx, "t1", []string{"true"})
	require.NoError(t, err)

	// Binary payloads must survive storage untouched, escape codes included.
	binary := []byte{0x1b, '[', '3', '1', 'm', 0x00, 0xff, '\n'}
	first, err := repo.AppendLog(ctx, domain.LogChunk{
		TaskID:    task.ID,
		FlushedAt: time.Now().UTC(),
		Entries: []domain.LogEntry{
			{Stream: domain.StreamStdout, Data: []byte("out")},
			{Stream: domain.StreamStderr, Data: binary},
		},
	})
	require.NoError(t, err)
	second, err := repo.AppendLog(ctx, domain.LogChunk{
		TaskID:    task.ID,
		FlushedAt: time.Now().UTC(),
		Entries:   []domain.LogEntry{{Stream: domain.StreamStdout, Data: []byte("more")}},
	})
	require.NoError(t, err)
	assert.Greater(t, second, first, "chunk ids increase in append order")

	chunks, err := repo.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, first, chunks[0].ID)
	assert.Equal(t, second, chunks[1].ID)
	require.Len(t, chunks[0].Entries, 2)
	assert.Equal(t, domain.StreamStdout, chunks[0].Entries[0].Stream)
	assert.Equal(t, []byte("out"), chunks[0].Entries[0].Data)
	assert.Equal(t, binary, chunks[0].Entries[1].Data)
}

func TestDeleteCascadesLogs(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	task, err := repo.Submit(ctx, "t1", []string{"true"})
	require.NoError(t, err)
	_, err = repo.AppendLog(ctx, domain.LogChunk{
		TaskID:    task.ID,
		FlushedAt: time.Now().UTC(),
		Entries:   []domain.LogEntry{{Stream: domain.StreamStdout, Data: []byte("x")}},
	})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, task.ID))

	_, err = repo.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	chunks, err := repo.Logs(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	assert.ErrorIs(t, repo.Delete(ctx, task.ID), ErrNotFound)
}

func TestListFilters(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a, err := repo.Submit(ctx, "t1", []string{"true"})
	require.NoError(t, err)
	_, err = repo.Submit(ctx, "t1", []string{"false"})
	require.NoError(t, err)
	_, err = repo.Submit(ctx, "t2", []string{"true"})
	require.NoError(t, err)
	_, err = repo.ClaimNext(ctx, "t1")
	require.NoError(t, err)

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].ID, all[i-1].ID, "list is ordered by id")
	}

	t1, err := repo.List(ctx, Filter{Tag: "t1"})
	require.NoError(t, err)
	assert.Len(t, t1, 2)

	running, err := repo.List(ctx, Filter{Status: domain.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	both, err := repo.List(ctx, Filter{Tag: "t1", Status: domain.StatusPending})
	require.NoError(t, err)
	assert.Len(t, both, 1)
}

func TestTagsAndCounts(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	for _, tag := range []string{"b", "a", "b"} {
		_, err := repo.Submit(ctx, tag, []string{"true"})
		require.NoError(t, err)
	}
	_, err := repo.ClaimNext(ctx, "b")
	require.NoError(t, err)

	tags, err := repo.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatusPending])
	assert.Equal(t, 1, counts[domain.StatusRunning])
	assert.Equal(t, 0, counts[domain.StatusDone])
}

func TestScheduleRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name:     "nightly",
		CronExpr: "0 3 * * *",
		Tag:      "backup",
		Command:  []string{"tar", "czf", "/backups/home.tgz", "/home"},
		Enabled:  true,
		NextRun:  now.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Contains(t, id, "sch_")

	schedules, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly", schedules[0].Name)
	assert.Equal(t, []string{"tar", "czf", "/backups/home.tgz", "/home"}, schedules[0].Command)
	assert.Nil(t, schedules[0].LastRun)

	due, err := repo.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)

	next := now.Add(24 * time.Hour)
	require.NoError(t, repo.MarkScheduleRun(ctx, id, now, next))

	due, err = repo.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due, "schedule advanced past now")

	schedules, err = repo.ListSchedules(ctx)
	require.NoError(t, err)
	require.NotNil(t, schedules[0].LastRun)
	assert.WithinDuration(t, now, *schedules[0].LastRun, time.Second)

	require.NoError(t, repo.DeleteSchedule(ctx, id))
	require.ErrorIs(t, repo.DeleteSchedule(ctx, id), ErrNotFound)
}

func TestDisabledSchedulesNotDue(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name:     "paused",
		CronExpr: "* * * * *",
		Tag:      "t1",
		Command:  []string{"true"},
		Enabled:  false,
		NextRun:  now.Add(-time.Hour),
	})
	require.NoError(t, err)

	due, err := repo.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}
