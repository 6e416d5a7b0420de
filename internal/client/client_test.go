package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omasakun/remote-tasks/internal/api"
	"github.com/omasakun/remote-tasks/internal/domain"
	"github.com/omasakun/remote-tasks/internal/queue"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))

	srv := httptest.NewServer(api.NewServer(queue.NewSQLiteRepo(db)))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
}

func TestClientLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	submitted, err := c.Submit(ctx, "build", []string{"make", "all"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, submitted.Status)
	assert.Equal(t, []string{"make", "all"}, submitted.Command)

	claimed, err := c.ClaimNext(ctx, "build")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, submitted.ID, claimed.ID)
	assert.Equal(t, domain.StatusRunning, claimed.Status)
	require.NotNil(t, claimed.LastHeartbeat)

	hb := time.Now().UTC()
	claimed.LastHeartbeat = &hb
	require.NoError(t, c.Update(ctx, *claimed))

	got, err := c.Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, hb, *got.LastHeartbeat, time.Second)

	chunkID, err := c.AppendLog(ctx, domain.LogChunk{
		TaskID:    claimed.ID,
		FlushedAt: time.Now().UTC(),
		Entries:   []domain.LogEntry{{Stream: domain.StreamStdout, Data: []byte("built\n")}},
	})
	require.NoError(t, err)
	assert.NotZero(t, chunkID)

	code := 0
	require.NoError(t, c.Update(ctx, domain.Task{ID: claimed.ID, Status: domain.StatusDone, ExitCode: &code}))

	got, err = c.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Nil(t, got.LastHeartbeat)

	require.NoError(t, c.Requeue(ctx, claimed.ID))
	got, err = c.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ExitCode)

	chunks, err := c.Logs(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "requeue keeps the accumulated logs")

	require.NoError(t, c.Delete(ctx, claimed.ID))
	_, err = c.Get(ctx, claimed.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestClientBinaryLogRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	task, err := c.Submit(ctx, "t1", []string{"true"})
	require.NoError(t, err)

	payload := []byte{0x00, 0x1b, '[', '3', '1', 'm', 0xff, '\n'}
	_, err = c.AppendLog(ctx, domain.LogChunk{
		TaskID:    task.ID,
		FlushedAt: time.Now().UTC(),
		Entries: []domain.LogEntry{
			{Stream: domain.StreamStdout, Data: payload},
			{Stream: domain.StreamStderr, Data: []byte{}},
		},
	})
	require.NoError(t, err)

	chunks, err := c.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Entries, 2)
	assert.Equal(t, payload, chunks[0].Entries[0].Data, "bytes survive the wire untouched")
	assert.Empty(t, chunks[0].Entries[1].Data)
}

func TestClientNotFound(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, 9999)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	err = c.Requeue(ctx, 9999)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	err = c.Delete(ctx, 9999)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestClientClaimEmpty(t *testing.T) {
	c := newTestClient(t)

	claimed, err := c.ClaimNext(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClientConcurrentClaim(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, "t1", []string{"true"})
	require.NoError(t, err)

	const claimers = 4
	results := make(chan *domain.Task, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := c.ClaimNext(ctx, "t1")
			assert.NoError(t, err)
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for claimed := range results {
		if claimed != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimer wins the task")
}

func TestClientListAndTags(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, "alpha", []string{"true"})
	require.NoError(t, err)
	_, err = c.Submit(ctx, "beta", []string{"true"})
	require.NoError(t, err)
	_, err = c.ClaimNext(ctx, "beta")
	require.NoError(t, err)

	pending, err := c.List(ctx, queue.Filter{Status: domain.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alpha", pending[0].Tag)

	byTag, err := c.List(ctx, queue.Filter{Tag: "beta"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, domain.StatusRunning, byTag[0].Status)

	tags, err := c.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, tags)
}

func TestClientSchedules(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.CreateSchedule(ctx, domain.Schedule{
		Name:     "hourly-sync",
		CronExpr: "0 * * * *",
		Tag:      "sync",
		Command:  []string{"rsync", "-a", "src/", "dst/"},
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.Contains(t, id, "sch_")

	schedules, err := c.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "hourly-sync", schedules[0].Name)
	assert.True(t, schedules[0].NextRun.After(time.Now()))

	require.NoError(t, c.DeleteSchedule(ctx, id))
	err = c.DeleteSchedule(ctx, id)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestClientServerError(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Submit(context.Background(), "", []string{"true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "tag")
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", RequestTimeout: 500 * time.Millisecond})

	err := c.Health(context.Background())
	require.Error(t, err)

	_, err = c.ClaimNext(context.Background(), "t1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrNotFound), "transport failures are not not-found")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)

	c := New(Config{})
	assert.Equal(t, "http://localhost:8080", c.base)
	assert.Equal(t, 30*time.Second, c.http.Timeout)
}
