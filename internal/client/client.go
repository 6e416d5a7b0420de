// Package client speaks the server's JSON API. It mirrors the store's
// operations over HTTP and satisfies the runner's Queue interface, so an
// agent behaves identically against an embedded store or a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/omasakun/remote-tasks/internal/domain"
	"github.com/omasakun/remote-tasks/internal/queue"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the server address, e.g. "http://localhost:8080".
	BaseURL string

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
}

// DefaultConfig returns the defaults used when fields are unset.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
	}
}

type Client struct {
	base string
	http *http.Client
}

func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

func (c *Client) Submit(ctx context.Context, tag string, command []string) (domain.Task, error) {
	var t domain.Task
	_, err := c.do(ctx, http.MethodPost, "/api/tasks", submitReq{Tag: tag, Command: command}, &t)
	return t, err
}

// ClaimNext asks the server for the FIFO head of a tag. Returns (nil, nil)
// when nothing is pending, matching the embedded store.
func (c *Client) ClaimNext(ctx context.Context, tag string) (*domain.Task, error) {
	var t domain.Task
	status, err := c.do(ctx, http.MethodPost, "/api/claim", claimReq{Tag: tag}, &t)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &t, nil
}

func (c *Client) Update(ctx context.Context, t domain.Task) error {
	req := updateReq{Status: t.Status, ExitCode: t.ExitCode, LastHeartbeat: t.LastHeartbeat}
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d", t.ID), req, nil)
	return err
}

func (c *Client) AppendLog(ctx context.Context, chunk domain.LogChunk) (int64, error) {
	req := appendLogReq{FlushedAt: chunk.FlushedAt, Entries: chunk.Entries}
	var resp appendLogResp
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/logs", chunk.TaskID), req, &resp)
	return resp.ID, err
}

func (c *Client) Logs(ctx context.Context, taskID int64) ([]domain.LogChunk, error) {
	var chunks []domain.LogChunk
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/tasks/%d/logs", taskID), nil, &chunks)
	return chunks, err
}

func (c *Client) Get(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/tasks/%d", id), nil, &t)
	return t, err
}

func (c *Client) List(ctx context.Context, f queue.Filter) ([]domain.Task, error) {
	q := url.Values{}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var tasks []domain.Task
	_, err := c.do(ctx, http.MethodGet, path, nil, &tasks)
	return tasks, err
}

func (c *Client) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	_, err := c.do(ctx, http.MethodGet, "/api/tags", nil, &tags)
	return tags, err
}

func (c *Client) Requeue(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/requeue", id), nil, nil)
	return err
}

func (c *Client) Delete(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil, nil)
	return err
}

func (c *Client) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	req := createScheduleReq{Name: s.Name, CronExpr: s.CronExpr, Tag: s.Tag, Command: s.Command, Enabled: s.Enabled}
	var resp createScheduleResp
	_, err := c.do(ctx, http.MethodPost, "/api/schedules", req, &resp)
	return resp.ID, err
}

func (c *Client) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	_, err := c.do(ctx, http.MethodGet, "/api/schedules", nil, &schedules)
	return schedules, err
}

func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/schedules/"+url.PathEscape(id), nil, nil)
	return err
}

// Request and response shapes, mirroring the server's handlers.
type submitReq struct {
	Tag     string   `json:"tag"`
	Command []string `json:"command"`
}

type claimReq struct {
	Tag string `json:"tag"`
}

type updateReq struct {
	Status        domain.Status `json:"status"`
	ExitCode      *int          `json:"exit_code"`
	LastHeartbeat *time.Time    `json:"last_heartbeat"`
}

type appendLogReq struct {
	FlushedAt time.Time         `json:"flushed_at"`
	Entries   []domain.LogEntry `json:"entries"`
}

type appendLogResp struct {
	ID int64 `json:"id"`
}

type createScheduleReq struct {
	Name     string   `json:"name"`
	CronExpr string   `json:"cron_expr"`
	Tag      string   `json:"tag"`
	Command  []string `json:"command"`
	Enabled  bool     `json:"enabled"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

// do sends one request and decodes the body into out when out is non-nil and
// the response has one. A 404 maps to queue.ErrNotFound so callers can
// errors.Is without caring which transport they are on.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, queue.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
