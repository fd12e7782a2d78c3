// Package remote tracks the fleet of connected workers and routes
// dispatch requests to them. It converts incoming worker heartbeats into
// state transitions and selects a worker for a new task with a fair
// round-robin policy, either across the whole fleet or scoped to one
// host.
//
// Nothing in this package is safe for concurrent use: the caller must
// serialize every call into a Registry (and the handles and pools it
// hands out) with a single external lock. All operations are synchronous
// and perform no I/O.
package remote

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/me/dispatchd/pkg/model"
)

// Config holds the registry's timeouts.
type Config struct {
	// InitialWait bounds how long the scheduler refuses to dispatch
	// after a restart while waiting for known workers to reconnect.
	InitialWait time.Duration
	// HeartbeatInterval is advertised to workers in heartbeat responses.
	HeartbeatInterval time.Duration
	// HealthcheckTimeout is how long a healthy worker may go silent
	// before it is marked unhealthy.
	HealthcheckTimeout time.Duration
	// LostTimeout is how long a silent worker is tolerated before it is
	// presumed dead and its tasks are written off.
	LostTimeout time.Duration
	// RemoveTimeout is how long a must-die worker is kept around (to
	// answer a late heartbeat with a suicide order) before it is reaped.
	RemoveTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitialWait:        2 * time.Minute,
		HeartbeatInterval:  10 * time.Second,
		HealthcheckTimeout: 30 * time.Second,
		LostTimeout:        2 * time.Minute,
		RemoveTimeout:      5 * time.Minute,
	}
}

// Registry is the scheduler's view of the worker fleet: one global pool
// holding every known worker, and per-host pools whose entries alias the
// same handles (a view, never a copy).
//
// WARNING: not safe for concurrent calls; the caller must hold a single
// external exclusive lock for the duration of every method.
type Registry struct {
	config    Config
	startTime time.Time

	inInitialWait bool
	// expected holds the shards that had running tasks before the last
	// scheduler restart; the initial wait holds until they all report.
	expected map[string]bool

	pool      *Pool // every known worker
	hostPools map[string]*Pool

	clock  func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a registry. startTime anchors the initial-wait
// deadline; expectedShards lists the workers that were running tasks
// before the last restart (loaded from the running-task ledger).
func NewRegistry(cfg Config, startTime time.Time, expectedShards []string, logger *slog.Logger) *Registry {
	expected := make(map[string]bool, len(expectedShards))
	for _, shard := range expectedShards {
		expected[shard] = true
	}
	return &Registry{
		config:        cfg,
		startTime:     startTime,
		inInitialWait: true,
		expected:      expected,
		pool:          newPool("all workers"),
		hostPools:     make(map[string]*Pool),
		clock:         time.Now,
		logger:        logger.With("component", "registry"),
	}
}

// InInitialWait reports whether the startup grace period is still in
// effect. While true, no tasks may be dispatched.
func (r *Registry) InInitialWait() bool {
	return r.inInitialWait
}

// ProcessHeartbeat applies one worker heartbeat: registers unknown
// shards, delegates per-worker state handling to the handle, and
// re-evaluates the initial-wait gate. Side effects for the apply phase
// are appended to u. Returns nil when no response is due.
func (r *Registry) ProcessHeartbeat(u *UpdateSet, req model.HeartbeatRequest) *model.HeartbeatResponse {
	now := r.clock()
	info := req.Worker

	w := r.pool.Get(info.Shard)
	if w == nil {
		w = newWorker(info, now, r.logger)
		r.pool.insert(w)
		r.mutableHostPool(info.Hostname).insert(w)
		u.AddNewWorker(info)
		r.logger.Info("new worker",
			"shard", info.Shard, "host", info.Hostname, "addr", info.Addr)
	}

	resp := w.processHeartbeat(u, req, now)

	// Reconcile the host-pool index only for accepted heartbeats. A
	// superseded instance (nil response) must not touch the live handle
	// or its host index.
	if resp != nil && w.hostname != info.Hostname {
		r.logger.Warn("worker changed hostname",
			"shard", info.Shard, "from", w.hostname, "to", info.Hostname)
		r.mutableHostPool(w.hostname).remove(info.Shard)
		w.hostname = info.Hostname
		r.mutableHostPool(info.Hostname).insert(w)
	}

	r.updateInitialWait(u, now)

	if resp != nil && !resp.Suicide {
		resp.IntervalSeconds = int(r.config.HeartbeatInterval / time.Second)
		resp.InInitialWait = r.inInitialWait
	}
	return resp
}

// UpdateState is the periodic sweep: it re-evaluates every worker's
// health, reaps workers that have been must-die long enough, and
// re-evaluates the initial-wait gate. The caller's scheduling loop must
// invoke it regularly for the time-based transitions to take effect.
func (r *Registry) UpdateState(u *UpdateSet) {
	now := r.clock()

	// Snapshot the shard list: reaping mutates the pool.
	for _, shard := range r.pool.Shards() {
		w := r.pool.Get(shard)
		w.updateState(u, now, r.config.HealthcheckTimeout, r.config.LostTimeout)

		if w.state == model.WorkerStateMustDie &&
			now.Sub(w.lastHeartbeat) > r.config.LostTimeout+r.config.RemoveTimeout {
			r.remove(shard)
			u.AddRemovedWorker(shard)
			r.logger.Info("worker reaped", "shard", shard)
		}
	}

	r.updateInitialWait(u, now)
}

// InitializeRunningTasks seeds the registry's knowledge of tasks already
// executing on a worker, reported when the worker (re)connects. This is
// what makes it safe to end the initial wait without double-starting
// anything. A new worker becomes healthy here, and the transition lands
// in u so the caller persists it. The shard must exist: callers
// validate it first, under the same lock.
func (r *Registry) InitializeRunningTasks(u *UpdateSet, info model.WorkerInfo, tasks []model.RunningTask) {
	w := r.MustWorker(info.Shard)
	w.initializeRunningTasks(u, tasks)
	delete(r.expected, info.Shard)
}

// MustWorker returns the handle for shard, panicking if it is unknown.
// For call sites that hold an invariant on the shard's existence: a miss
// is a programming error, not a runtime condition.
func (r *Registry) MustWorker(shard string) *Worker {
	w := r.pool.Get(shard)
	if w == nil {
		panic(fmt.Sprintf("unknown worker shard %q", shard))
	}
	return w
}

// WorkerOrErr returns the handle for shard, or an UnknownWorkerError.
// For call sites fed externally supplied shard ids that may legitimately
// have vanished.
func (r *Registry) WorkerOrErr(shard string) (*Worker, error) {
	w := r.pool.Get(shard)
	if w == nil {
		return nil, &model.UnknownWorkerError{Shard: shard}
	}
	return w, nil
}

// Worker returns the handle for shard, or nil.
func (r *Registry) Worker(shard string) *Worker {
	return r.pool.Get(shard)
}

// NextWorker returns the next worker in global round-robin order, or nil
// if no worker is available.
func (r *Registry) NextWorker() *Worker {
	return r.pool.nextWorker()
}

// NextWorkerByHost returns the next worker on hostname in that host's
// round-robin order, or nil if no worker is available there. Unknown
// hosts simply read as empty.
func (r *Registry) NextWorkerByHost(hostname string) *Worker {
	return r.mutableHostPool(hostname).nextWorker()
}

// Pool returns the global pool for read-only iteration. Not for
// dispatch: iteration does not advance the fairness cursor.
func (r *Registry) Pool() *Pool {
	return r.pool
}

// HostPool returns the pool for hostname for read-only iteration,
// creating an empty one if the host is unknown.
func (r *Registry) HostPool(hostname string) *Pool {
	return r.mutableHostPool(hostname)
}

// remove deletes a worker from the global pool and its host pool
// together. The handle is unreferenced afterwards.
func (r *Registry) remove(shard string) {
	w := r.pool.Get(shard)
	if w == nil {
		return
	}
	r.pool.remove(shard)
	r.mutableHostPool(w.hostname).remove(shard)
	delete(r.expected, shard)
}

// mutableHostPool returns the pool for hostname, creating an empty one
// if needed so callers never special-case unknown hosts.
func (r *Registry) mutableHostPool(hostname string) *Pool {
	p, ok := r.hostPools[hostname]
	if !ok {
		p = newPool("host " + hostname)
		r.hostPools[hostname] = p
	}
	return p
}

// updateInitialWait ends the startup grace period when either the
// deadline has elapsed (any worker that never returned is presumed to
// have killed itself, per the worker-side contract) or every expected
// worker has reconnected and reported its running tasks and no connected
// worker is still uninitialized. The transition is one-way.
func (r *Registry) updateInitialWait(u *UpdateSet, now time.Time) {
	if !r.inInitialWait {
		return
	}

	if now.Sub(r.startTime) >= r.config.InitialWait {
		r.endInitialWait(u, "deadline elapsed; unreported workers presumed dead")
		return
	}

	if len(r.expected) > 0 {
		return
	}
	allInitialized := true
	r.pool.Each(func(w *Worker) {
		if !w.initialized {
			allInitialized = false
		}
	})
	if allInitialized {
		r.endInitialWait(u, "all workers reported running tasks")
	}
}

func (r *Registry) endInitialWait(u *UpdateSet, reason string) {
	r.inInitialWait = false
	u.SetInitialWaitEnded(reason)
	r.logger.Info("initial wait ended", "reason", reason,
		"elapsed", r.clock().Sub(r.startTime).String())
}
