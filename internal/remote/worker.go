package remote

import (
	"log/slog"
	"time"

	"github.com/me/dispatchd/pkg/model"
)

// Worker is the scheduler-side handle for one connected worker. A single
// handle is shared by the global pool and at most one host pool; it is
// destroyed only when removed from the global pool.
//
// Like the Registry that owns it, a handle is not safe for concurrent
// use; the registry's external lock covers it.
type Worker struct {
	shard      string
	hostname   string
	addr       string
	instanceID string
	startedAt  time.Time // worker process start time, orders instances

	state         model.WorkerState
	lastHeartbeat time.Time
	// tasks the scheduler believes are running on this worker, by task id
	runningTasks map[string]model.RunningTask
	// initialized is set once the worker has reported its running tasks
	// since its last (re)connect
	initialized bool

	logger *slog.Logger
}

func newWorker(info model.WorkerInfo, now time.Time, logger *slog.Logger) *Worker {
	return &Worker{
		shard:         info.Shard,
		hostname:      info.Hostname,
		addr:          info.Addr,
		instanceID:    info.InstanceID,
		startedAt:     info.StartedAt,
		state:         model.WorkerStateNew,
		lastHeartbeat: now,
		runningTasks:  make(map[string]model.RunningTask),
		logger:        logger.With("shard", info.Shard),
	}
}

// Shard returns the worker's shard id.
func (w *Worker) Shard() string { return w.shard }

// Hostname returns the worker's current hostname.
func (w *Worker) Hostname() string { return w.hostname }

// Addr returns the address the worker accepts tasks on.
func (w *Worker) Addr() string { return w.addr }

// State returns the worker's health state.
func (w *Worker) State() model.WorkerState { return w.state }

// LastHeartbeat returns the time of the last accepted heartbeat.
func (w *Worker) LastHeartbeat() time.Time { return w.lastHeartbeat }

// Initialized reports whether the worker has reported its running tasks
// since it last (re)connected.
func (w *Worker) Initialized() bool { return w.initialized }

// RunningTasks returns a snapshot of the tasks believed running here.
func (w *Worker) RunningTasks() []model.RunningTask {
	tasks := make([]model.RunningTask, 0, len(w.runningTasks))
	for _, rt := range w.runningTasks {
		tasks = append(tasks, rt)
	}
	return tasks
}

// Info returns the worker's declared identity.
func (w *Worker) Info() model.WorkerInfo {
	return model.WorkerInfo{
		Shard:      w.shard,
		Hostname:   w.hostname,
		Addr:       w.addr,
		InstanceID: w.instanceID,
		StartedAt:  w.startedAt,
	}
}

// setState transitions the health state and records the change.
func (w *Worker) setState(u *UpdateSet, to model.WorkerState) {
	if w.state == to {
		return
	}
	u.AddHealthChange(HealthChange{Shard: w.shard, From: w.state, To: to})
	w.logger.Info("worker health changed", "from", w.state, "to", to)
	w.state = to
}

// processHeartbeat applies one heartbeat to the handle and decides the
// response. Returns nil when no response is due (stale duplicate of a
// superseded worker instance).
func (w *Worker) processHeartbeat(u *UpdateSet, req model.HeartbeatRequest, now time.Time) *model.HeartbeatResponse {
	info := req.Worker

	if info.InstanceID != w.instanceID {
		if info.StartedAt.Before(w.startedAt) {
			// A zombie duplicate of an instance we have already
			// superseded. No response is due: starved of acks, it kills
			// itself under the worker-side watchdog contract.
			w.logger.Warn("ignoring heartbeat from superseded instance",
				"instance_id", info.InstanceID, "current", w.instanceID)
			return nil
		}
		w.restarted(u, info, now)
	}

	if w.state == model.WorkerStateMustDie {
		w.lastHeartbeat = now
		return &model.HeartbeatResponse{Suicide: true}
	}

	w.lastHeartbeat = now
	w.addr = info.Addr
	if w.state == model.WorkerStateUnhealthy {
		w.setState(u, model.WorkerStateHealthy)
	}

	// Tasks the worker claims to run that we did not place and did not
	// learn about at initialization are unknown: kill them. Before
	// initialization the report is handled by the running-task seed.
	if w.initialized {
		for _, id := range req.RunningTaskIDs {
			if _, ok := w.runningTasks[id]; !ok {
				u.AddTaskToKill(TaskToKill{
					Task:       model.RunningTask{TaskID: id, Shard: w.shard},
					WorkerAddr: w.addr,
					Reason:     KillReasonUnknown,
				})
			}
		}
	}

	return &model.HeartbeatResponse{
		SendRunningTasks: !w.initialized,
	}
}

// restarted handles a heartbeat from a newer instance of this worker:
// whatever was running on the old instance is gone.
func (w *Worker) restarted(u *UpdateSet, info model.WorkerInfo, now time.Time) {
	w.logger.Info("worker restarted",
		"old_instance", w.instanceID, "new_instance", info.InstanceID)

	w.loseRunningTasks(u)
	w.instanceID = info.InstanceID
	w.startedAt = info.StartedAt
	w.addr = info.Addr
	w.initialized = false
	w.setState(u, model.WorkerStateNew)
}

// updateState is the periodic health sweep for one worker.
func (w *Worker) updateState(u *UpdateSet, now time.Time, healthcheckTimeout, lostTimeout time.Duration) {
	idle := now.Sub(w.lastHeartbeat)

	switch w.state {
	case model.WorkerStateHealthy:
		if idle > healthcheckTimeout {
			w.setState(u, model.WorkerStateUnhealthy)
		}
	case model.WorkerStateUnhealthy, model.WorkerStateNew:
		if idle > lostTimeout {
			w.loseRunningTasks(u)
			w.setState(u, model.WorkerStateMustDie)
		}
	}
}

// loseRunningTasks marks every task on this worker as lost and clears
// the set.
func (w *Worker) loseRunningTasks(u *UpdateSet) {
	for _, rt := range w.runningTasks {
		u.AddTaskToKill(TaskToKill{Task: rt, Reason: KillReasonWorkerLost})
	}
	w.runningTasks = make(map[string]model.RunningTask)
}

// initializeRunningTasks seeds the handle with the tasks the worker
// reported after (re)connecting. New workers become Healthy: they are
// now dispatchable.
func (w *Worker) initializeRunningTasks(u *UpdateSet, tasks []model.RunningTask) {
	w.runningTasks = make(map[string]model.RunningTask, len(tasks))
	for _, rt := range tasks {
		w.runningTasks[rt.TaskID] = rt
	}
	w.initialized = true
	if w.state == model.WorkerStateNew {
		w.logger.Info("worker initialized", "running_tasks", len(tasks))
		w.setState(u, model.WorkerStateHealthy)
	}
}

// RecordTaskStarted marks a task as running on this worker. Called by
// the dispatch loop when it places a task here.
func (w *Worker) RecordTaskStarted(rt model.RunningTask) {
	w.runningTasks[rt.TaskID] = rt
}

// RecordTaskFinished removes a task from the running set. Called when
// the worker reports completion, or to roll back a failed dispatch.
func (w *Worker) RecordTaskFinished(taskID string) {
	delete(w.runningTasks, taskID)
}
