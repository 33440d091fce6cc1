package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskfleet/taskfleet/pkg/events"
	"github.com/taskfleet/taskfleet/pkg/registry"
	"github.com/taskfleet/taskfleet/pkg/types"
)

type errorResponse struct {
	Error string `json:"error"`
	// Shutdown tells the calling worker process to terminate instead of
	// retrying.
	Shutdown bool `json:"shutdown"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{
		Error:    err.Error(),
		Shutdown: types.IsShutdownDirective(err),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req registry.ActivateRequest
	if !decode(w, r, &req) {
		return
	}

	id, err := s.registry.Activate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleUpdateResources(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var stats registry.ResourceStats
	if !decode(w, r, &stats) {
		return
	}

	if err := s.registry.UpdateResourceStats(r.Context(), name, stats); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req registry.DeactivateRequest
	if !decode(w, r, &req) {
		return
	}

	deactivated, err := s.registry.Deactivate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"deactivated": deactivated})
}

type getRequest struct {
	Names      []string            `json:"names"`
	Projection registry.Projection `json:"projection"`
	MissingOk  bool                `json:"missing_ok"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	if !decode(w, r, &req) {
		return
	}

	records, err := s.registry.Get(r.Context(), req.Names, req.Projection, req.MissingOk)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"managers": records})
}

type queryRequest struct {
	registry.QueryFilter
	Projection registry.Projection `json:"projection"`
	Limit      int                 `json:"limit"`
	Skip       int                 `json:"skip"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}

	meta, records, err := s.registry.Query(r.Context(), req.QueryFilter, req.Projection, req.Limit, req.Skip)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meta": meta, "managers": records})
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	skip, _ := strconv.Atoi(q.Get("skip"))

	var before, after *time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'before' timestamp"})
			return
		}
		before = &t
	}
	if raw := q.Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'after' timestamp"})
			return
		}
		after = &t
	}

	meta, logs, err := s.registry.QueryLogs(r.Context(), name, before, after, limit, skip)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meta": meta, "logs": logs})
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if !decode(w, r, &task) {
		return
	}
	if task.Tag == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task tag must not be empty"})
		return
	}

	id, err := s.tasks.Enqueue(r.Context(), &task)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(&events.Event{
		Type:     events.EventTaskEnqueued,
		Metadata: map[string]string{"task": strconv.FormatInt(id, 10), "tag": task.Tag},
	})
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type claimRequest struct {
	Manager string   `json:"manager"`
	Tags    []string `json:"tags"`
	Limit   int      `json:"limit"`
}

func (s *Server) handleClaimTasks(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}

	claimed, err := s.tasks.Claim(r.Context(), req.Manager, req.Tags, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if claimed == nil {
		claimed = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": claimed})
}

type completeRequest struct {
	Status types.TaskStatus `json:"status"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return
	}

	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status != types.TaskStatusComplete && req.Status != types.TaskStatusError {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "status must be terminal (complete or error)"})
		return
	}

	if err := s.tasks.Complete(r.Context(), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	s.publish(&events.Event{
		Type:     events.EventTaskCompleted,
		Metadata: map[string]string{"task": strconv.FormatInt(id, 10), "status": string(req.Status)},
	})
	w.WriteHeader(http.StatusNoContent)
}
