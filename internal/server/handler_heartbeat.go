package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/dispatchd/internal/remote"
	"github.com/me/dispatchd/pkg/model"
)

// handleHeartbeat processes one worker heartbeat.
// POST /api/v1/workers/heartbeat
// Returns 204 No Content when no response is due (stale zombie instance).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.Worker.Shard == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("worker.shard is required"))
		return
	}

	u := remote.NewUpdateSet()
	s.mu.Lock()
	resp := s.registry.ProcessHeartbeat(u, req)
	s.mu.Unlock()

	s.metrics.HeartbeatsTotal.Inc()

	if err := s.applier.Apply(r.Context(), u); err != nil {
		s.logger.Error("apply heartbeat updates", "shard", req.Worker.Shard, "error", err)
	}

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondOK(w, reqID, resp)
}

// handleRunningTasksReport seeds the registry with the tasks a worker
// reports running after (re)connecting. Reported tasks the scheduler
// does not recognize are returned as a kill list.
// POST /api/v1/workers/{shard}/tasks
func (s *Server) handleRunningTasksReport(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	shard := chi.URLParam(r, "shard")

	var report model.RunningTasksReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	report.Worker.Shard = shard

	// The shard comes off the wire: it may legitimately be gone already.
	s.mu.Lock()
	_, err := s.registry.WorkerOrErr(shard)
	s.mu.Unlock()
	if err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", shard))
		return
	}

	// Split the report into tasks we recognize (they seed the registry
	// and stay running) and tasks we do not (the worker must kill them).
	var recognized []model.RunningTask
	var killIDs []string
	for _, rt := range report.Tasks {
		task, err := s.store.GetTask(r.Context(), rt.TaskID)
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError,
				model.NewInternalError(err.Error()))
			return
		}
		if task == nil || task.State.IsTerminal() {
			killIDs = append(killIDs, rt.TaskID)
			continue
		}

		rt.Shard = shard
		recognized = append(recognized, rt)

		// Reconcile the task row and ledger with reality: the worker is
		// running it, whatever we believed before the restart.
		if task.State != model.TaskStateRunning || task.Shard != shard {
			task.State = model.TaskStateRunning
			task.Shard = shard
			task.StartedAt = &rt.StartedAt
			if err := s.store.UpdateTask(r.Context(), task); err != nil {
				s.logger.Error("reconcile reported task", "task_id", task.ID, "error", err)
			}
		}
		if err := s.store.RecordRunningTask(r.Context(), rt); err != nil {
			s.logger.Error("record reported task", "task_id", rt.TaskID, "error", err)
		}
	}

	u := remote.NewUpdateSet()
	s.mu.Lock()
	if _, err := s.registry.WorkerOrErr(shard); err == nil {
		s.registry.InitializeRunningTasks(u, report.Worker, recognized)
		// Seeding may satisfy the initial wait; sweep the gate now
		// rather than waiting for the next loop tick or heartbeat.
		s.registry.UpdateState(u)
	}
	s.mu.Unlock()

	if err := s.applier.Apply(r.Context(), u); err != nil {
		s.logger.Error("apply report updates", "shard", shard, "error", err)
	}

	s.logger.Info("running tasks reported",
		"shard", shard, "recognized", len(recognized), "to_kill", len(killIDs))
	respondOK(w, reqID, model.RunningTasksAck{TasksToKill: killIDs})
}
