package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/dispatchd/pkg/model"
)

// handleSubmitTask queues a new task.
// POST /api/v1/tasks
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Command    []string `json:"command"`
		HostPin    string   `json:"host_pin"`
		MaxRetries int      `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if len(req.Command) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("command is required"))
		return
	}
	if req.MaxRetries < 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("max_retries must not be negative"))
		return
	}

	task := &model.Task{
		ID:         "task_" + uuid.New().String(),
		Command:    req.Command,
		HostPin:    req.HostPin,
		State:      model.TaskStateQueued,
		MaxRetries: req.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	s.logger.Info("task submitted", "task_id", task.ID, "host_pin", task.HostPin)
	respondCreated(w, reqID, task)
}

// handleListTasks returns tasks, optionally filtered by state.
// GET /api/v1/tasks?state=QUEUED&limit=20&offset=0
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	opts.State = r.URL.Query().Get("state")
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("limit must be an integer"))
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("offset must be an integer"))
			return
		}
		opts.Offset = n
	}
	opts.Clamp()

	tasks, total, err := s.store.ListTasks(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	respondList(w, reqID, tasks, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(tasks) < total,
	})
}

// handleGetTask returns one task.
// GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	respondOK(w, reqID, task)
}

// handleTaskStatus records a worker's completion report for a task.
// PUT /api/v1/tasks/{id}/status
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		State    string `json:"state"`
		ExitCode *int   `json:"exit_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}

	newState := model.TaskState(req.State)
	if !task.State.CanTransitionTo(newState) {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "cannot transition task from " + string(task.State) + " to " + req.State,
		})
		return
	}

	now := time.Now().UTC()
	task.State = newState
	task.ExitCode = req.ExitCode
	if newState.IsTerminal() {
		task.CompletedAt = &now
	}
	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if err := s.store.DeleteRunningTask(r.Context(), task.ID); err != nil {
		s.logger.Error("clear running task", "task_id", task.ID, "error", err)
	}

	// Release the slot on the worker handle. The shard may be gone by
	// now (worker lost while the report was in flight); that is fine.
	s.mu.Lock()
	if rw := s.registry.Worker(task.Shard); rw != nil {
		rw.RecordTaskFinished(task.ID)
	}
	s.mu.Unlock()

	s.logger.Info("task status reported",
		"task_id", task.ID, "state", task.State, "exit_code", task.ExitCode)
	respondOK(w, reqID, map[string]any{"task_id": task.ID, "state": task.State})
}
