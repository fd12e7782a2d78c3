package model

// HeartbeatRequest is the periodic liveness report a worker sends to the
// scheduler. RunningTaskIDs lists every task the worker believes it is
// currently executing, so the scheduler can detect drift.
type HeartbeatRequest struct {
	Worker         WorkerInfo `json:"worker"`
	RunningTaskIDs []string   `json:"running_task_ids"`
}

// HeartbeatResponse acknowledges a heartbeat. The scheduler returns no
// response at all (HTTP 204) when none is due, e.g. for a stale
// duplicate of a superseded worker instance.
type HeartbeatResponse struct {
	// IntervalSeconds tells the worker how often to heartbeat.
	IntervalSeconds int `json:"interval_seconds"`
	// InInitialWait is true while the scheduler is still waiting for
	// previously known workers to reconnect after a restart.
	InInitialWait bool `json:"in_initial_wait"`
	// SendRunningTasks asks the worker to report its running tasks via
	// the running-task report endpoint (set until the worker has done so
	// since its last (re)connect).
	SendRunningTasks bool `json:"send_running_tasks"`
	// Suicide tells the worker to kill itself and all its tasks. Sent to
	// workers presumed dead and to zombie duplicates of a restarted
	// worker process.
	Suicide bool `json:"suicide"`
}

// RunningTasksReport is the body of the running-task report a worker
// sends after (re)connecting.
type RunningTasksReport struct {
	Worker WorkerInfo    `json:"worker"`
	Tasks  []RunningTask `json:"tasks"`
}

// RunningTasksAck answers a running-task report. TasksToKill lists
// reported tasks the scheduler does not recognize; the worker must kill
// them.
type RunningTasksAck struct {
	TasksToKill []string `json:"tasks_to_kill,omitempty"`
}
