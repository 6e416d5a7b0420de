package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/omasakun/remote-tasks/internal/domain"
	"github.com/omasakun/remote-tasks/internal/queue"
	"github.com/omasakun/remote-tasks/internal/scheduler"
)

type Server struct {
	r    *chi.Mux
	repo queue.Repository
}

func NewServer(repo queue.Repository) http.Handler {
	return NewServerWithDebug(repo, false)
}

func NewServerWithDebug(repo queue.Repository, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo}

	// API routes
	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Post("/api/claim", s.claimTask)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Put("/api/tasks/{id}", s.updateTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Post("/api/tasks/{id}/requeue", s.requeueTask)
	r.Post("/api/tasks/{id}/logs", s.appendLog)
	r.Get("/api/tasks/{id}/logs", s.getLogs)
	r.Get("/api/tags", s.listTags)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.repo.Counts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "remote_tasks_up 1\n")
	for _, st := range []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusDone} {
		fmt.Fprintf(w, "remote_tasks_tasks{status=%q} %d\n", st, counts[st])
	}
}

type submitReq struct {
	Tag     string   `json:"tag"`
	Command []string `json:"command"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := domain.ValidateSubmission(req.Tag, req.Command); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	t, err := s.repo.Submit(r.Context(), req.Tag, req.Command)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type claimReq struct {
	Tag string `json:"tag"`
}

// claimTask hands the FIFO head for a tag to exactly one caller. 204 means
// nothing was pending; runners treat it as an empty poll.
func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Tag == "" {
		http.Error(w, "tag is required", 400)
		return
	}
	t, err := s.repo.ClaimNext(r.Context(), req.Tag)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	t, err := s.repo.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f := queue.Filter{Tag: r.URL.Query().Get("tag")}
	if st := r.URL.Query().Get("status"); st != "" {
		if !validStatus(domain.Status(st)) {
			http.Error(w, "invalid status", 400)
			return
		}
		f.Status = domain.Status(st)
	}
	tasks, err := s.repo.List(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, 200, tasks)
}

type updateReq struct {
	Status        domain.Status `json:"status"`
	ExitCode      *int          `json:"exit_code"`
	LastHeartbeat *time.Time    `json:"last_heartbeat"`
}

// updateTask overwrites a task's lifecycle fields. Like the store update it
// fronts, it carries no precondition on the state the caller last read.
func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	var req updateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if !validStatus(req.Status) {
		http.Error(w, "invalid status", 400)
		return
	}
	t := domain.Task{ID: id, Status: req.Status, ExitCode: req.ExitCode, LastHeartbeat: req.LastHeartbeat}
	if err := s.repo.Update(r.Context(), t); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	if err := s.repo.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requeueTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	if err := s.repo.Requeue(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type appendLogReq struct {
	FlushedAt time.Time         `json:"flushed_at"`
	Entries   []domain.LogEntry `json:"entries"`
}

type appendLogResp struct {
	ID int64 `json:"id"`
}

func (s *Server) appendLog(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	var req appendLogReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Entries) == 0 {
		http.Error(w, "entries are required", 400)
		return
	}
	for _, e := range req.Entries {
		if e.Stream != domain.StreamStdout && e.Stream != domain.StreamStderr {
			http.Error(w, "invalid stream", 400)
			return
		}
	}
	if req.FlushedAt.IsZero() {
		req.FlushedAt = time.Now().UTC()
	}
	chunkID, err := s.repo.AppendLog(r.Context(), domain.LogChunk{
		TaskID:    id,
		FlushedAt: req.FlushedAt,
		Entries:   req.Entries,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, appendLogResp{ID: chunkID})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	chunks, err := s.repo.Logs(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if chunks == nil {
		chunks = []domain.LogChunk{}
	}
	writeJSON(w, 200, chunks)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.repo.Tags(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, 200, tags)
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

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if err := domain.ValidateSubmission(req.Tag, req.Command); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), domain.Schedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		Tag:      req.Tag,
		Command:  req.Command,
		Enabled:  req.Enabled,
		NextRun:  nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func taskID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func validStatus(s domain.Status) bool {
	switch s {
	case domain.StatusPending, domain.StatusRunning, domain.StatusDone:
		return true
	}
	return false
}

func writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	http.Error(w, err.Error(), 500)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
