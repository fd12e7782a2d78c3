package agent

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/me/dispatchd/pkg/model"
)

// Runner executes dispatched task commands and reports their terminal
// state back to the scheduler.
type Runner struct {
	shard  string
	client *Client
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*runningProc
}

type runningProc struct {
	task      model.Task
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewRunner creates a task runner for this worker.
func NewRunner(shard string, client *Client, logger *slog.Logger) *Runner {
	return &Runner{
		shard:   shard,
		client:  client,
		logger:  logger.With("component", "runner"),
		running: make(map[string]*runningProc),
	}
}

// RunningTasks returns a snapshot of what is executing right now.
func (r *Runner) RunningTasks() []model.RunningTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]model.RunningTask, 0, len(r.running))
	for id, p := range r.running {
		tasks = append(tasks, model.RunningTask{
			TaskID:    id,
			Shard:     r.shard,
			StartedAt: p.startedAt,
		})
	}
	return tasks
}

// Start launches a task command. Returns false if the task is already
// running here (duplicate push).
func (r *Runner) Start(task model.Task) bool {
	r.mu.Lock()
	if _, ok := r.running[task.ID]; ok {
		r.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.running[task.ID] = &runningProc{task: task, cancel: cancel, startedAt: time.Now().UTC()}
	r.mu.Unlock()

	go r.run(ctx, task)
	return true
}

// Kill cancels a running task. Unknown ids are ignored: the scheduler
// may order kills for tasks that already finished.
func (r *Runner) Kill(taskID string) {
	r.mu.Lock()
	p, ok := r.running[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Info("killing task", "task_id", taskID)
	p.cancel()
}

// KillAll cancels everything. Used on suicide.
func (r *Runner) KillAll() {
	r.mu.Lock()
	procs := make([]*runningProc, 0, len(r.running))
	for _, p := range r.running {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.cancel()
	}
}

func (r *Runner) run(ctx context.Context, task model.Task) {
	logger := r.logger.With("task_id", task.ID)
	logger.Info("task starting", "command", task.Command)

	cmd := exec.CommandContext(ctx, task.Command[0], task.Command[1:]...)
	err := cmd.Run()

	state := model.TaskStateSucceeded
	var exitCode *int
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		exitCode = &code
	}
	switch {
	case ctx.Err() != nil:
		state = model.TaskStateKilled
	case err != nil:
		state = model.TaskStateFailed
	}

	r.mu.Lock()
	delete(r.running, task.ID)
	r.mu.Unlock()

	logger.Info("task finished", "state", state, "exit_code", exitCode)

	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.ReportTaskStatus(reportCtx, task.ID, state, exitCode); err != nil {
		logger.Error("report task status", "error", err)
	}
}
