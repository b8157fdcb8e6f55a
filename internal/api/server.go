package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"botflow/internal/domain"
	"botflow/internal/queue"
	"botflow/internal/scheduler"
)

type Server struct {
	r   *chi.Mux
	svc *scheduler.Service
}

func NewServer(svc *scheduler.Service) http.Handler {
	return NewServerWithDebug(svc, false)
}

func NewServerWithDebug(svc *scheduler.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	// Client API
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/cancel", s.cancelTask)

	// Bot API
	r.Post("/api/bot/poll", s.botPoll)
	r.Post("/api/bot/tasks/{id}/update", s.botUpdate)
	r.Post("/api/bot/tasks/{id}/aborted", s.botAborted)
	r.Post("/api/bot/tasks/{id}/crashed", s.botCrashed)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.StateCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("botflow_up 1\n"))
	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, string(st))
	}
	sort.Strings(states)
	for _, st := range states {
		fmt.Fprintf(w, "botflow_tasks{state=%q} %d\n", st, counts[domain.State(st)])
	}
}

// SubmitRequest is the wire form of a task submission.
type SubmitRequest struct {
	Name                  string              `json:"name"`
	User                  string              `json:"user"`
	AuthenticatedIdentity string              `json:"authenticated_identity"`
	Priority              int                 `json:"priority"`
	Dimensions            map[string][]string `json:"dimensions"`
	Commands              [][]string          `json:"commands"`
	Env                   map[string]string   `json:"env"`
	ExecutionTimeoutSecs  int64               `json:"execution_timeout_secs"`
	IOTimeoutSecs         int64               `json:"io_timeout_secs"`
	ExpirationSecs        int64               `json:"expiration_secs"`
	Idempotent            bool                `json:"idempotent"`
	Tags                  []string            `json:"tags"`
	ParentTask            string              `json:"parent_task"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	m, err := s.svc.Submit(r.Context(), domain.RequestSpec{
		Name:                  req.Name,
		User:                  req.User,
		AuthenticatedIdentity: req.AuthenticatedIdentity,
		Priority:              req.Priority,
		Dimensions:            req.Dimensions,
		Commands:              req.Commands,
		Env:                   req.Env,
		ExecutionTimeout:      time.Duration(req.ExecutionTimeoutSecs) * time.Second,
		IOTimeout:             time.Duration(req.IOTimeoutSecs) * time.Second,
		ExpirationTS:          time.Now().Add(time.Duration(req.ExpirationSecs) * time.Second),
		Idempotent:            req.Idempotent,
		Tags:                  req.Tags,
		ParentTask:            req.ParentTask,
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, taskView(m.Request, m.Result, nil, time.Now()))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, res, err := s.svc.Task(r.Context(), id)
	if err != nil {
		status := 500
		if errors.Is(err, queue.ErrNotFound) {
			status = 404
		}
		http.Error(w, err.Error(), status)
		return
	}
	children, err := s.svc.Children(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, taskView(req, res, children, time.Now()))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	matches, err := s.svc.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	now := time.Now()
	views := make([]map[string]any, len(matches))
	for i, m := range matches {
		views[i] = taskView(m.Request, m.Result, nil, now)
	}
	writeJSON(w, 200, views)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		status := 500
		if errors.Is(err, queue.ErrNotFound) {
			status = 404
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "state": state})
}

type botPollRequest struct {
	BotID      string              `json:"bot_id"`
	Dimensions map[string][]string `json:"dimensions"`
}

func (s *Server) botPoll(w http.ResponseWriter, r *http.Request) {
	var req botPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.BotID == "" {
		http.Error(w, "bot_id is required", 400)
		return
	}
	m, err := s.svc.BotPoll(r.Context(), req.BotID, req.Dimensions)
	if errors.Is(err, queue.ErrNoMatch) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"task_id":                m.Request.ID,
		"try_number":             m.Result.TryNumber,
		"commands":               m.Request.Commands,
		"env":                    m.Request.Env,
		"execution_timeout_secs": int64(m.Request.ExecutionTimeout.Seconds()),
		"io_timeout_secs":        int64(m.Request.IOTimeout.Seconds()),
	})
}

type botUpdateRequest struct {
	BotID     string  `json:"bot_id"`
	ExitCodes []int   `json:"exit_codes"`
	CostUSD   float64 `json:"cost_usd"`
	Done      bool    `json:"done"`
}

func (s *Server) botUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req botUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	abort, err := s.svc.BotUpdate(r.Context(), scheduler.BotReport{
		TaskID:    id,
		BotID:     req.BotID,
		ExitCodes: req.ExitCodes,
		CostUSD:   req.CostUSD,
		Done:      req.Done,
	})
	if err != nil {
		http.Error(w, err.Error(), botErrStatus(err))
		return
	}
	writeJSON(w, 200, map[string]any{"abort": abort})
}

func (s *Server) botAborted(w http.ResponseWriter, r *http.Request) {
	s.botTerminal(w, r, s.svc.BotAborted)
}

func (s *Server) botCrashed(w http.ResponseWriter, r *http.Request) {
	s.botTerminal(w, r, s.svc.BotCrashed)
}

func (s *Server) botTerminal(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, taskID, botID string) error) {
	id := chi.URLParam(r, "id")
	var req struct {
		BotID string `json:"bot_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := apply(r.Context(), id, req.BotID); err != nil {
		http.Error(w, err.Error(), botErrStatus(err))
		return
	}
	res, err := s.svc.Result(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "state": res.State, "try_number": res.TryNumber})
}

func botErrStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return 404
	case errors.Is(err, scheduler.ErrWrongBot):
		return 403
	case errors.Is(err, queue.ErrTerminal), errors.Is(err, queue.ErrConflict), errors.Is(err, scheduler.ErrBadTransition):
		return 409
	}
	return 500
}

// taskView is the stable read contract consumed by dashboards: raw
// request and result fields plus the derived display values.
func taskView(req *domain.TaskRequest, res *domain.TaskResult, children []string, now time.Time) map[string]any {
	view := map[string]any{
		"id":                     req.ID,
		"name":                   req.Name,
		"user":                   req.User,
		"priority":               req.Priority,
		"dimensions":             req.Dimensions,
		"commands":               req.Commands,
		"env":                    req.Env,
		"execution_timeout_secs": int64(req.ExecutionTimeout.Seconds()),
		"io_timeout_secs":        int64(req.IOTimeout.Seconds()),
		"created_ts":             req.CreatedTS.Format(time.RFC3339),
		"expiration_ts":          req.ExpirationTS.Format(time.RFC3339),
		"idempotent":             req.Idempotent,
		"tags":                   req.Tags,
		"state":                  res.State,
		"try_number":             res.TryNumber,
		"exit_codes":             res.ExitCodes,
		"failure":                res.Failure,
		"internal_failure":       res.InternalFailure,
		"cost_usd":               res.CostUSD,
		"cost_saved_usd":         res.CostSavedUSD,
		"server_versions":        res.ServerVersions,
		"summary":                res.Summary(),
		"pending_secs":           res.PendingFor(req.CreatedTS, now).Seconds(),
		"running_secs":           res.RunningFor(now).Seconds(),
	}
	if req.ParentTask != "" {
		view["parent_task"] = req.ParentTask
	}
	if children != nil {
		view["children"] = children
	}
	if res.BotID != "" {
		view["bot_id"] = res.BotID
	}
	if res.DedupedFrom != "" {
		view["deduped_from"] = res.DedupedFrom
		if res.CostSavedUSD > 0 {
			view["percent_cost_saved"] = 100.0
		}
	}
	if res.StartedTS != nil {
		view["started_ts"] = res.StartedTS.Format(time.RFC3339)
	}
	if res.CompletedTS != nil {
		view["completed_ts"] = res.CompletedTS.Format(time.RFC3339)
	}
	if res.AbandonedTS != nil {
		view["abandoned_ts"] = res.AbandonedTS.Format(time.RFC3339)
	}
	if res.ModifiedTS != nil {
		view["modified_ts"] = res.ModifiedTS.Format(time.RFC3339)
	}
	return view
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
