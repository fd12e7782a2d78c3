package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/dispatchd/internal/remote"
	"github.com/me/dispatchd/pkg/model"
)

// workerView is the live registry state of one worker as served by the
// diagnostics endpoints.
type workerView struct {
	Shard         string            `json:"shard"`
	Hostname      string            `json:"hostname"`
	Addr          string            `json:"addr"`
	State         model.WorkerState `json:"state"`
	Initialized   bool              `json:"initialized"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RunningTasks  int               `json:"running_tasks"`
}

func viewOf(w *remote.Worker) workerView {
	return workerView{
		Shard:         w.Shard(),
		Hostname:      w.Hostname(),
		Addr:          w.Addr(),
		State:         w.State(),
		Initialized:   w.Initialized(),
		LastHeartbeat: w.LastHeartbeat(),
		RunningTasks:  len(w.RunningTasks()),
	}
}

// handleListWorkers returns the connected fleet. Uses the read-only pool
// iteration accessor; listing must not advance the dispatch cursor.
// GET /api/v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var views []workerView
	s.mu.Lock()
	s.registry.Pool().Each(func(rw *remote.Worker) {
		views = append(views, viewOf(rw))
	})
	s.mu.Unlock()

	respondOK(w, reqID, views)
}

// handleWorkerRunningTasks returns the persisted view of one worker:
// its snapshot row and the ledger of tasks recorded as running on it.
// Served from the store, not the registry, so it answers even for a
// worker that has not reconnected since a scheduler restart.
// GET /api/v1/workers/{shard}/tasks
func (s *Server) handleWorkerRunningTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	shard := chi.URLParam(r, "shard")

	worker, err := s.store.GetWorker(r.Context(), shard)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", shard))
		return
	}

	tasks, err := s.store.ListRunningTasks(r.Context(), shard)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	respondOK(w, reqID, map[string]any{"worker": worker, "running_tasks": tasks})
}

// handleGetWorker returns one worker's live state.
// GET /api/v1/workers/{shard}
func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	shard := chi.URLParam(r, "shard")

	s.mu.Lock()
	rw, err := s.registry.WorkerOrErr(shard)
	var view workerView
	if err == nil {
		view = viewOf(rw)
	}
	s.mu.Unlock()

	if err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", shard))
		return
	}
	respondOK(w, reqID, view)
}
