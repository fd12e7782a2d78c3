package model

import "time"

// Task is a unit of work submitted to the scheduler and executed on a
// worker. HostPin, when set, restricts placement to workers on that host.
type Task struct {
	ID          string     `json:"id"`
	Command     []string   `json:"command"`
	HostPin     string     `json:"host_pin,omitempty"`
	State       TaskState  `json:"state"`
	Shard       string     `json:"shard,omitempty"` // worker the task was placed on
	ExitCode    *int       `json:"exit_code,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStateQueued    TaskState = "QUEUED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateKilled    TaskState = "KILLED"
	// TaskStateLost means the worker running the task disappeared; the
	// task may be requeued if retries remain.
	TaskStateLost TaskState = "LOST"
)

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// LOST and FAILED return to QUEUED when the scheduler retries them.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateQueued:  {TaskStateRunning, TaskStateKilled},
	TaskStateRunning: {TaskStateSucceeded, TaskStateFailed, TaskStateKilled, TaskStateLost},
	TaskStateFailed:  {TaskStateQueued},
	TaskStateLost:    {TaskStateQueued},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states that end a task's lifecycle
// (barring a retry requeue).
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateKilled, TaskStateLost:
		return true
	}
	return false
}

// RunningTask records that a task is executing on a worker. Rows survive
// scheduler restarts; the set of shards present in this ledger is what
// the scheduler waits for before it dispatches anything after a restart.
type RunningTask struct {
	TaskID    string    `json:"task_id"`
	Shard     string    `json:"shard"`
	StartedAt time.Time `json:"started_at"`
}
