// Package agent implements the dispatchd worker: it heartbeats to the
// scheduler, reports its running tasks after (re)connecting, executes
// pushed task commands, and honors the suicide contract — if the
// scheduler is unreachable for too long, or orders it to die, the agent
// kills its tasks and exits. That contract is what lets the scheduler
// bound its post-restart initial wait.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/me/dispatchd/internal/config"
	"github.com/me/dispatchd/pkg/model"
)

// ErrSuicide is returned by Run when the agent must exit because the
// scheduler ordered it to die or has been unreachable past the deadline.
var ErrSuicide = errors.New("suicide: scheduler lost or ordered shutdown")

// Agent is one dispatchd worker process.
type Agent struct {
	config config.WorkerConfig
	info   model.WorkerInfo
	client *Client
	runner *Runner
	logger *slog.Logger

	interval    time.Duration
	lastContact time.Time
}

// New creates a worker agent. The instance id is fresh per process, so
// the scheduler can tell a restart from a reconnect.
func New(cfg config.WorkerConfig, logger *slog.Logger) *Agent {
	client := NewClient(cfg.SchedulerURL, logger)
	info := model.WorkerInfo{
		Shard:      cfg.Shard,
		Hostname:   cfg.Hostname,
		Addr:       cfg.Addr,
		InstanceID: uuid.New().String(),
		StartedAt:  time.Now().UTC(),
	}
	return &Agent{
		config:   cfg,
		info:     info,
		client:   client,
		runner:   NewRunner(cfg.Shard, client, logger),
		logger:   logger.With("component", "agent", "shard", cfg.Shard),
		interval: cfg.Heartbeat,
	}
}

// Handler returns the task listener the scheduler pushes to.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/tasks", a.handleStartTask)
	r.Post("/tasks/{id}/kill", a.handleKillTask)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// Run drives the heartbeat loop until ctx is cancelled or the suicide
// contract fires (returned as ErrSuicide).
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started",
		"scheduler", a.config.SchedulerURL, "addr", a.config.Addr,
		"instance_id", a.info.InstanceID)

	a.lastContact = time.Now()
	if err := a.heartbeat(ctx); err != nil {
		if errors.Is(err, ErrSuicide) {
			a.runner.KillAll()
			return ErrSuicide
		}
		a.logger.Warn("initial heartbeat failed", "error", err)
	}

	for {
		timer := time.NewTimer(a.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := a.heartbeat(ctx); err != nil {
			if errors.Is(err, ErrSuicide) {
				a.runner.KillAll()
				return ErrSuicide
			}
			a.logger.Warn("heartbeat failed", "error", err)
		}

		if time.Since(a.lastContact) > a.config.SuicideAfter {
			a.logger.Error("scheduler unreachable past deadline, exiting",
				"deadline", a.config.SuicideAfter)
			a.runner.KillAll()
			return ErrSuicide
		}
	}
}

// heartbeat sends one heartbeat and follows up on the response: adopt
// the advertised interval, report running tasks when asked, die when
// ordered.
func (a *Agent) heartbeat(ctx context.Context) error {
	req := model.HeartbeatRequest{
		Worker:         a.info,
		RunningTaskIDs: runningIDs(a.runner.RunningTasks()),
	}

	resp, err := a.client.Heartbeat(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		// The scheduler considers this instance superseded and will not
		// talk to us. Contact does not count; the watchdog decides.
		a.logger.Warn("heartbeat ignored by scheduler")
		return nil
	}

	a.lastContact = time.Now()

	if resp.Suicide {
		a.logger.Error("scheduler ordered suicide")
		return ErrSuicide
	}
	if resp.IntervalSeconds > 0 {
		a.interval = time.Duration(resp.IntervalSeconds) * time.Second
	}
	if resp.SendRunningTasks {
		if err := a.reportRunningTasks(ctx); err != nil {
			a.logger.Warn("report running tasks failed", "error", err)
		}
	}
	return nil
}

func (a *Agent) reportRunningTasks(ctx context.Context) error {
	tasks := a.runner.RunningTasks()
	killIDs, err := a.client.ReportRunningTasks(ctx, a.info, tasks)
	if err != nil {
		return err
	}
	a.logger.Info("reported running tasks", "count", len(tasks), "to_kill", len(killIDs))
	for _, id := range killIDs {
		a.runner.Kill(id)
	}
	return nil
}

func (a *Agent) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var task model.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if task.ID == "" || len(task.Command) == 0 {
		http.Error(w, "task id and command are required", http.StatusBadRequest)
		return
	}

	if !a.runner.Start(task) {
		// Already running: the scheduler retried a push. Not an error.
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Agent) handleKillTask(w http.ResponseWriter, r *http.Request) {
	a.runner.Kill(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusAccepted)
}

func runningIDs(tasks []model.RunningTask) []string {
	ids := make([]string, len(tasks))
	for i, rt := range tasks {
		ids[i] = rt.TaskID
	}
	return ids
}
