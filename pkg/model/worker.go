package model

import "time"

// WorkerInfo is the identity a worker declares about itself on every
// heartbeat. The shard id is stable across reconnects; the instance id
// changes whenever the worker process restarts.
type WorkerInfo struct {
	Shard      string    `json:"shard"`
	Hostname   string    `json:"hostname"`
	Addr       string    `json:"addr"` // host:port the worker accepts tasks on
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"` // worker process start time
}

// WorkerState represents the health state of a connected worker as
// tracked by the scheduler.
type WorkerState string

const (
	// WorkerStateNew means the worker has connected but has not yet
	// reported its running tasks.
	WorkerStateNew WorkerState = "new"
	// WorkerStateHealthy means the worker is heartbeating on schedule
	// and may receive tasks.
	WorkerStateHealthy WorkerState = "healthy"
	// WorkerStateUnhealthy means the worker has missed its healthcheck
	// deadline but is not yet presumed dead.
	WorkerStateUnhealthy WorkerState = "unhealthy"
	// WorkerStateMustDie means the worker was lost for too long; it is
	// told to kill itself if it ever reports again.
	WorkerStateMustDie WorkerState = "must_die"
)

// ValidWorkerTransitions defines the allowed health transitions.
// New workers become Healthy once they report running tasks; a restart
// of the worker process resets the handle to New.
var ValidWorkerTransitions = map[WorkerState][]WorkerState{
	WorkerStateNew:       {WorkerStateHealthy, WorkerStateMustDie},
	WorkerStateHealthy:   {WorkerStateUnhealthy, WorkerStateNew},
	WorkerStateUnhealthy: {WorkerStateHealthy, WorkerStateMustDie, WorkerStateNew},
	WorkerStateMustDie:   {},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s WorkerState) CanTransitionTo(next WorkerState) bool {
	for _, allowed := range ValidWorkerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Worker is the persisted registration snapshot of a worker, as stored
// by the scheduler and returned by the API. The live health state lives
// in the in-memory registry; this row lags it by one apply phase.
type Worker struct {
	Shard        string      `json:"shard"`
	Hostname     string      `json:"hostname"`
	Addr         string      `json:"addr"`
	InstanceID   string      `json:"instance_id"`
	State        WorkerState `json:"state"`
	LastSeen     time.Time   `json:"last_seen"`
	RegisteredAt time.Time   `json:"registered_at"`
}
