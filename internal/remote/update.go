package remote

import "github.com/me/dispatchd/pkg/model"

// KillReason explains why a task was recorded for killing.
type KillReason string

const (
	// KillReasonUnknown: a worker reported a running task the scheduler
	// does not recognize; the worker must kill it.
	KillReasonUnknown KillReason = "unknown"
	// KillReasonWorkerLost: the worker running the task is presumed
	// dead; the task is marked lost (there is nobody left to signal).
	KillReasonWorkerLost KillReason = "worker_lost"
)

// HealthChange records a worker health transition.
type HealthChange struct {
	Shard string
	From  model.WorkerState
	To    model.WorkerState
}

// TaskToKill records a task that must be killed or written off.
type TaskToKill struct {
	Task       model.RunningTask
	WorkerAddr string // where to send the kill, empty for lost workers
	Reason     KillReason
}

// UpdateSet accumulates the side effects required by registry mutations.
// The registry only ever appends to it; the scheduler loop applies the
// effects (persistence, kill requests, metrics) in a separate phase.
type UpdateSet struct {
	NewWorkers        []model.WorkerInfo
	HealthChanges     []HealthChange
	TasksToKill       []TaskToKill
	RemovedWorkers    []string
	InitialWaitEnded  bool
	InitialWaitReason string
}

// NewUpdateSet returns an empty accumulator.
func NewUpdateSet() *UpdateSet {
	return &UpdateSet{}
}

// AddNewWorker records the discovery of a previously unknown worker.
func (u *UpdateSet) AddNewWorker(info model.WorkerInfo) {
	u.NewWorkers = append(u.NewWorkers, info)
}

// AddHealthChange records a worker health transition.
func (u *UpdateSet) AddHealthChange(hc HealthChange) {
	u.HealthChanges = append(u.HealthChanges, hc)
}

// AddTaskToKill records a task that must be killed or written off.
func (u *UpdateSet) AddTaskToKill(tk TaskToKill) {
	u.TasksToKill = append(u.TasksToKill, tk)
}

// AddRemovedWorker records that a worker was reaped from the registry.
func (u *UpdateSet) AddRemovedWorker(shard string) {
	u.RemovedWorkers = append(u.RemovedWorkers, shard)
}

// SetInitialWaitEnded records the one-time end of the initial wait.
func (u *UpdateSet) SetInitialWaitEnded(reason string) {
	u.InitialWaitEnded = true
	u.InitialWaitReason = reason
}

// Empty reports whether the set carries no effects.
func (u *UpdateSet) Empty() bool {
	return len(u.NewWorkers) == 0 &&
		len(u.HealthChanges) == 0 &&
		len(u.TasksToKill) == 0 &&
		len(u.RemovedWorkers) == 0 &&
		!u.InitialWaitEnded
}
