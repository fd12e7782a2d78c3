package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/dispatchd/internal/metrics"
	"github.com/me/dispatchd/internal/remote"
	"github.com/me/dispatchd/internal/store"
	"github.com/me/dispatchd/pkg/model"
)

// Config holds scheduler loop configuration.
type Config struct {
	PollInterval time.Duration
	// MaxDispatchPerTick bounds how many tasks one tick will place.
	MaxDispatchPerTick int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, MaxDispatchPerTick: 100}
}

// Loop implements the Scheduler interface with a polling-based loop.
//
// The registry is not self-synchronizing: mu is the single external lock
// that serializes the loop's registry calls with the HTTP handlers'. All
// store and worker I/O happens outside the lock.
type Loop struct {
	store    store.Store
	registry *remote.Registry
	mu       *sync.Mutex
	workers  WorkerClient
	metrics  *metrics.Metrics
	config   Config
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLoop creates a new scheduler loop. mu must be the same mutex the
// API server uses for its registry access.
func NewLoop(st store.Store, reg *remote.Registry, mu *sync.Mutex, wc WorkerClient, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		store:    st,
		registry: reg,
		mu:       mu,
		workers:  wc,
		metrics:  m,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) error {
	// Phase 1: sweep worker health and apply the resulting side effects.
	if err := l.sweepWorkers(ctx); err != nil {
		return fmt.Errorf("phase 1 (sweep): %w", err)
	}

	// Phase 2: dispatch QUEUED tasks (unless the initial wait holds).
	if err := l.dispatchQueued(ctx); err != nil {
		return fmt.Errorf("phase 2 (dispatch): %w", err)
	}

	// Phase 3: requeue LOST/FAILED tasks with retries remaining.
	if err := l.requeueRetries(ctx); err != nil {
		return fmt.Errorf("phase 3 (retries): %w", err)
	}

	return nil
}

// sweepWorkers runs the registry's periodic health sweep under the lock,
// snapshots the fleet gauges, and applies the accumulated side effects.
func (l *Loop) sweepWorkers(ctx context.Context) error {
	u := remote.NewUpdateSet()
	counts := make(map[model.WorkerState]int)

	l.mu.Lock()
	l.registry.UpdateState(u)
	l.registry.Pool().Each(func(w *remote.Worker) {
		counts[w.State()]++
	})
	l.mu.Unlock()

	l.metrics.SetWorkerCounts(counts)
	return l.apply(ctx, u)
}

// Apply executes the side effects a registry mutation accumulated:
// persistence, kill requests, and metrics. Exported so the API server
// can reuse it for heartbeat-produced UpdateSets.
func (l *Loop) Apply(ctx context.Context, u *remote.UpdateSet) error {
	return l.apply(ctx, u)
}

func (l *Loop) apply(ctx context.Context, u *remote.UpdateSet) error {
	if u.Empty() {
		return nil
	}
	now := time.Now().UTC()

	for _, info := range u.NewWorkers {
		w := &model.Worker{
			Shard:        info.Shard,
			Hostname:     info.Hostname,
			Addr:         info.Addr,
			InstanceID:   info.InstanceID,
			State:        model.WorkerStateNew,
			LastSeen:     now,
			RegisteredAt: now,
		}
		if err := l.store.UpsertWorker(ctx, w); err != nil {
			l.logger.Error("persist new worker", "shard", info.Shard, "error", err)
		}
	}

	for _, hc := range u.HealthChanges {
		if err := l.store.UpdateWorkerState(ctx, hc.Shard, hc.To); err != nil {
			l.logger.Error("persist health change", "shard", hc.Shard, "error", err)
		}
	}

	for _, tk := range u.TasksToKill {
		l.applyTaskToKill(ctx, tk)
	}

	for _, shard := range u.RemovedWorkers {
		if err := l.store.DeleteWorker(ctx, shard); err != nil {
			l.logger.Error("delete reaped worker", "shard", shard, "error", err)
		}
	}

	if u.InitialWaitEnded {
		l.metrics.InInitialWait.Set(0)
		l.logger.Info("initial wait ended, dispatch enabled", "reason", u.InitialWaitReason)
	}

	return nil
}

func (l *Loop) applyTaskToKill(ctx context.Context, tk remote.TaskToKill) {
	l.metrics.TasksKilledTotal.WithLabelValues(string(tk.Reason)).Inc()

	switch tk.Reason {
	case remote.KillReasonUnknown:
		// The worker is running something we never placed (or forgot):
		// tell it to kill the task.
		if err := l.workers.KillTask(ctx, tk.WorkerAddr, tk.Task.TaskID); err != nil {
			l.logger.Error("kill unknown task",
				"task_id", tk.Task.TaskID, "shard", tk.Task.Shard, "error", err)
		} else {
			l.logger.Info("killed unknown task",
				"task_id", tk.Task.TaskID, "shard", tk.Task.Shard)
		}

	case remote.KillReasonWorkerLost:
		// Nobody left to signal; write the task off as lost.
		task, err := l.store.GetTask(ctx, tk.Task.TaskID)
		if err != nil {
			l.logger.Error("load lost task", "task_id", tk.Task.TaskID, "error", err)
		} else if task != nil && task.State == model.TaskStateRunning {
			now := time.Now().UTC()
			task.State = model.TaskStateLost
			task.CompletedAt = &now
			if err := l.store.UpdateTask(ctx, task); err != nil {
				l.logger.Error("mark task lost", "task_id", task.ID, "error", err)
			} else {
				l.logger.Info("task lost with worker", "task_id", task.ID, "shard", tk.Task.Shard)
			}
		}
	}

	if err := l.store.DeleteRunningTask(ctx, tk.Task.TaskID); err != nil {
		l.logger.Error("clear running task", "task_id", tk.Task.TaskID, "error", err)
	}
}

// dispatchQueued places QUEUED tasks on workers via round-robin
// selection. Placement is suppressed entirely during the initial wait: a
// worker that has not reconnected yet might still be running a task the
// scheduler has forgotten, and dispatching early risks double-execution.
func (l *Loop) dispatchQueued(ctx context.Context) error {
	l.mu.Lock()
	waiting := l.registry.InInitialWait()
	l.mu.Unlock()
	if waiting {
		l.logger.Debug("dispatch suppressed (initial wait)")
		return nil
	}

	queued, err := l.store.GetTasksByState(ctx, model.TaskStateQueued)
	if err != nil {
		return err
	}

	dispatched := 0
	for _, task := range queued {
		if dispatched >= l.config.MaxDispatchPerTick {
			break
		}
		if err := l.dispatchTask(ctx, task); err != nil {
			l.logger.Debug("task not dispatched", "task_id", task.ID, "error", err)
			continue
		}
		dispatched++
	}

	return nil
}

// dispatchTask selects a worker, records the placement, and pushes the
// task. Selection holds the lock; the push does not.
func (l *Loop) dispatchTask(ctx context.Context, task *model.Task) error {
	// A QUEUED task with a ledger row was already pushed but its RUNNING
	// persist failed. Finish the persist instead of placing it again.
	if placed, err := l.store.GetRunningTask(ctx, task.ID); err != nil {
		return fmt.Errorf("check running task ledger: %w", err)
	} else if placed != nil {
		task.State = model.TaskStateRunning
		task.Shard = placed.Shard
		task.StartedAt = &placed.StartedAt
		if err := l.store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("reconcile placed task: %w", err)
		}
		l.logger.Warn("reconciled already placed task", "task_id", task.ID, "shard", placed.Shard)
		return nil
	}

	rt := model.RunningTask{TaskID: task.ID, Shard: "", StartedAt: time.Now().UTC()}

	l.mu.Lock()
	w := l.selectWorker(task)
	if w == nil {
		l.mu.Unlock()
		return fmt.Errorf("no healthy worker available")
	}
	rt.Shard = w.Shard()
	addr := w.Addr()
	w.RecordTaskStarted(rt)
	l.mu.Unlock()

	// Persist placement before the push: if we crash in between, the
	// restart-time running-task report reconciles either way.
	if err := l.store.RecordRunningTask(ctx, rt); err != nil {
		l.rollbackPlacement(task.ID, rt.Shard)
		return fmt.Errorf("record running task: %w", err)
	}

	if err := l.workers.StartTask(ctx, addr, task); err != nil {
		l.rollbackPlacement(task.ID, rt.Shard)
		if derr := l.store.DeleteRunningTask(ctx, task.ID); derr != nil {
			l.logger.Error("clear running task after failed push", "task_id", task.ID, "error", derr)
		}
		return fmt.Errorf("push task: %w", err)
	}

	task.State = model.TaskStateRunning
	task.Shard = rt.Shard
	task.StartedAt = &rt.StartedAt
	if err := l.store.UpdateTask(ctx, task); err != nil {
		l.logger.Error("persist dispatched task", "task_id", task.ID, "error", err)
	}

	l.metrics.TasksDispatchedTotal.Inc()
	l.logger.Info("task dispatched", "task_id", task.ID, "shard", rt.Shard, "host_pin", task.HostPin)
	return nil
}

// selectWorker picks the next healthy worker, host-scoped when the task
// is pinned. The cursor may land on unhealthy members; bounded retries
// over the pool keep fairness without starving the tick. Caller holds mu.
func (l *Loop) selectWorker(task *model.Task) *remote.Worker {
	next := l.registry.NextWorker
	size := l.registry.Pool().Len()
	if task.HostPin != "" {
		host := task.HostPin
		next = func() *remote.Worker { return l.registry.NextWorkerByHost(host) }
		size = l.registry.HostPool(host).Len()
	}

	for i := 0; i < size; i++ {
		w := next()
		if w == nil {
			return nil
		}
		if w.State() == model.WorkerStateHealthy {
			return w
		}
		l.metrics.DispatchRetriesTotal.Inc()
	}
	return nil
}

// rollbackPlacement releases a placement that never reached the worker.
func (l *Loop) rollbackPlacement(taskID, shard string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.registry.Worker(shard); w != nil {
		w.RecordTaskFinished(taskID)
	}
}

// requeueRetries transitions LOST and FAILED tasks with remaining
// retries back to QUEUED.
func (l *Loop) requeueRetries(ctx context.Context) error {
	for _, state := range []model.TaskState{model.TaskStateLost, model.TaskStateFailed} {
		tasks, err := l.store.GetTasksByState(ctx, state)
		if err != nil {
			return err
		}

		for _, task := range tasks {
			if task.RetryCount >= task.MaxRetries {
				continue
			}
			task.RetryCount++
			task.State = model.TaskStateQueued
			task.Shard = ""
			task.ExitCode = nil
			task.StartedAt = nil
			task.CompletedAt = nil
			if err := l.store.UpdateTask(ctx, task); err != nil {
				l.logger.Error("requeue task", "task_id", task.ID, "error", err)
				continue
			}
			l.logger.Info("task requeued", "task_id", task.ID, "from", state, "attempt", task.RetryCount)
		}
	}
	return nil
}
