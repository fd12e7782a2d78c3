package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/dispatchd/internal/metrics"
	"github.com/me/dispatchd/internal/remote"
	"github.com/me/dispatchd/internal/store"
	"github.com/me/dispatchd/pkg/model"
)

// fakeWorkerClient records pushes instead of performing HTTP.
type fakeWorkerClient struct {
	mu       sync.Mutex
	started  []string // "taskID@addr"
	killed   []string
	failPush bool
}

func (f *fakeWorkerClient) StartTask(_ context.Context, addr string, task *model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPush {
		return context.DeadlineExceeded
	}
	f.started = append(f.started, task.ID+"@"+addr)
	return nil
}

func (f *fakeWorkerClient) KillTask(_ context.Context, addr, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, taskID+"@"+addr)
	return nil
}

type testLoop struct {
	*Loop
	store    *store.SQLiteStore
	registry *remote.Registry
	client   *fakeWorkerClient
}

func newTestLoop(t *testing.T, expected ...string) *testLoop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := remote.NewRegistry(remote.DefaultConfig(), time.Now(), expected, logger)
	m, _ := metrics.New("dispatchd_test")
	client := &fakeWorkerClient{}
	var mu sync.Mutex

	return &testLoop{
		Loop:     NewLoop(st, reg, &mu, client, m, DefaultConfig(), logger),
		store:    st,
		registry: reg,
		client:   client,
	}
}

// connectWorker registers a worker and completes its running-task report
// so it is healthy and dispatchable.
func (tl *testLoop) connectWorker(t *testing.T, shard, hostname string) {
	t.Helper()
	info := model.WorkerInfo{
		Shard:      shard,
		Hostname:   hostname,
		Addr:       hostname + ":8090",
		InstanceID: "inst-" + shard,
		StartedAt:  time.Now().UTC(),
	}
	u := remote.NewUpdateSet()
	tl.mu.Lock()
	tl.registry.ProcessHeartbeat(u, model.HeartbeatRequest{Worker: info})
	tl.registry.InitializeRunningTasks(u, info, nil)
	tl.mu.Unlock()
	if err := tl.Apply(context.Background(), u); err != nil {
		t.Fatalf("apply connect effects: %v", err)
	}
}

func queueTask(t *testing.T, st store.Store, id, hostPin string, maxRetries int) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:         id,
		Command:    []string{"true"},
		HostPin:    hostPin,
		State:      model.TaskStateQueued,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTickDispatchesQueuedTask(t *testing.T) {
	tl := newTestLoop(t)
	tl.connectWorker(t, "w1", "host1")
	queueTask(t, tl.store, "task_1", "", 0)

	if err := tl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tl.client.started) != 1 || tl.client.started[0] != "task_1@host1:8090" {
		t.Fatalf("started = %v, want [task_1@host1:8090]", tl.client.started)
	}

	task, _ := tl.store.GetTask(context.Background(), "task_1")
	if task.State != model.TaskStateRunning {
		t.Errorf("state = %s, want RUNNING", task.State)
	}
	if task.Shard != "w1" {
		t.Errorf("shard = %q, want w1", task.Shard)
	}

	// The placement must be in the restart ledger.
	shards, _ := tl.store.ShardsWithRunningTasks(context.Background())
	if len(shards) != 1 || shards[0] != "w1" {
		t.Errorf("ledger shards = %v, want [w1]", shards)
	}
}

func TestDispatchSuppressedDuringInitialWait(t *testing.T) {
	// An expected worker never reconnects, so the wait holds.
	tl := newTestLoop(t, "w_gone")
	tl.connectWorker(t, "w1", "host1")
	queueTask(t, tl.store, "task_1", "", 0)

	if err := tl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tl.client.started) != 0 {
		t.Fatalf("dispatched during initial wait: %v", tl.client.started)
	}
	task, _ := tl.store.GetTask(context.Background(), "task_1")
	if task.State != model.TaskStateQueued {
		t.Errorf("state = %s, want QUEUED", task.State)
	}
}

func TestDispatchHonorsHostPin(t *testing.T) {
	tl := newTestLoop(t)
	tl.connectWorker(t, "w1", "host1")
	tl.connectWorker(t, "w2", "host2")
	queueTask(t, tl.store, "task_1", "host2", 0)

	if err := tl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tl.client.started) != 1 || tl.client.started[0] != "task_1@host2:8090" {
		t.Fatalf("started = %v, want [task_1@host2:8090]", tl.client.started)
	}
}

func TestDispatchNoWorkerLeavesTaskQueued(t *testing.T) {
	tl := newTestLoop(t)
	queueTask(t, tl.store, "task_1", "", 0)

	if err := tl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	task, _ := tl.store.GetTask(context.Background(), "task_1")
	if task.State != model.TaskStateQueued {
		t.Errorf("state = %s, want QUEUED", task.State)
	}
}

func TestDispatchPinnedToUnknownHost(t *testing.T) {
	tl := newTestLoop(t)
	tl.connectWorker(t, "w1", "host1")
	queueTask(t, tl.store, "task_1", "ghost-host", 0)

	if err := tl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tl.client.started) != 0 {
		t.Fatalf("pinned task dispatched off-host: %v", tl.client.started)
	}
}

func TestDispatchRollsBackOnPushFailure(t *testing.T) {
	tl := newTestLoop(t)
	tl.connectWorker(t, "w1", "host1")
	tl.client.failPush = true
	queueTask(t, tl.store, "task_1", "", 0)

	if err := tl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	task, _ := tl.store.GetTask(context.Background(), "task_1")
	if task.State != model.TaskStateQueued {
		t.Errorf("state = %s, want QUEUED after failed push", task.State)
	}

	// Neither the handle nor the ledger may keep the phantom placement.
	tl.mu.Lock()
	running := tl.registry.MustWorker("w1").RunningTasks()
	tl.mu.Unlock()
	if len(running) != 0 {
		t.Errorf("handle still tracks %v after rollback", running)
	}
	shards, _ := tl.store.ShardsWithRunningTasks(context.Background())
	if len(shards) != 0 {
		t.Errorf("ledger not cleared after rollback: %v", shards)
	}
}

func TestDispatchSkipsAlreadyPlacedTask(t *testing.T) {
	tl := newTestLoop(t)
	ctx := context.Background()
	tl.connectWorker(t, "w1", "host1")
	queueTask(t, tl.store, "task_1", "", 0)

	// The task was pushed on an earlier tick but the RUNNING persist
	// never landed: the ledger row is the surviving evidence.
	started := time.Now().UTC()
	if err := tl.store.RecordRunningTask(ctx, model.RunningTask{
		TaskID: "task_1", Shard: "w1", StartedAt: started,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := tl.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tl.client.started) != 0 {
		t.Fatalf("already placed task pushed again: %v", tl.client.started)
	}
	task, _ := tl.store.GetTask(ctx, "task_1")
	if task.State != model.TaskStateRunning {
		t.Errorf("state = %s, want RUNNING after reconciliation", task.State)
	}
	if task.Shard != "w1" {
		t.Errorf("shard = %q, want w1", task.Shard)
	}
}

func TestRequeueRetries(t *testing.T) {
	tl := newTestLoop(t)
	ctx := context.Background()

	lost := queueTask(t, tl.store, "task_lost", "", 1)
	lost.State = model.TaskStateLost
	lost.Shard = "w_dead"
	if err := tl.store.UpdateTask(ctx, lost); err != nil {
		t.Fatalf("update: %v", err)
	}

	exhausted := queueTask(t, tl.store, "task_done", "", 0)
	exhausted.State = model.TaskStateFailed
	if err := tl.store.UpdateTask(ctx, exhausted); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := tl.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, _ := tl.store.GetTask(ctx, "task_lost")
	if got.State != model.TaskStateQueued {
		t.Errorf("lost task state = %s, want QUEUED", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.Shard != "" {
		t.Errorf("shard not cleared on requeue: %q", got.Shard)
	}

	got, _ = tl.store.GetTask(ctx, "task_done")
	if got.State != model.TaskStateFailed {
		t.Errorf("exhausted task state = %s, want FAILED", got.State)
	}
}

func TestApplyKillsUnknownTask(t *testing.T) {
	tl := newTestLoop(t)

	u := remote.NewUpdateSet()
	u.AddTaskToKill(remote.TaskToKill{
		Task:       model.RunningTask{TaskID: "task_x", Shard: "w1"},
		WorkerAddr: "host1:8090",
		Reason:     remote.KillReasonUnknown,
	})
	if err := tl.Apply(context.Background(), u); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(tl.client.killed) != 1 || tl.client.killed[0] != "task_x@host1:8090" {
		t.Fatalf("killed = %v, want [task_x@host1:8090]", tl.client.killed)
	}
}

func TestApplyMarksTaskLostWithWorker(t *testing.T) {
	tl := newTestLoop(t)
	ctx := context.Background()

	task := queueTask(t, tl.store, "task_1", "", 0)
	started := time.Now().UTC()
	task.State = model.TaskStateRunning
	task.Shard = "w1"
	task.StartedAt = &started
	if err := tl.store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}
	rt := model.RunningTask{TaskID: "task_1", Shard: "w1", StartedAt: started}
	if err := tl.store.RecordRunningTask(ctx, rt); err != nil {
		t.Fatalf("record: %v", err)
	}

	u := remote.NewUpdateSet()
	u.AddTaskToKill(remote.TaskToKill{Task: rt, Reason: remote.KillReasonWorkerLost})
	if err := tl.Apply(ctx, u); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, _ := tl.store.GetTask(ctx, "task_1")
	if got.State != model.TaskStateLost {
		t.Errorf("state = %s, want LOST", got.State)
	}
	shards, _ := tl.store.ShardsWithRunningTasks(ctx)
	if len(shards) != 0 {
		t.Errorf("ledger not cleared: %v", shards)
	}
	if len(tl.client.killed) != 0 {
		t.Errorf("lost-worker tasks must not trigger kill RPCs: %v", tl.client.killed)
	}
}

func TestApplyPersistsNewWorkerAndHealthChanges(t *testing.T) {
	tl := newTestLoop(t)
	ctx := context.Background()
	tl.connectWorker(t, "w1", "host1")

	w, err := tl.store.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w == nil {
		t.Fatal("new worker not persisted")
	}
	// connectWorker's report turns the worker healthy; the transition
	// must have reached the snapshot too.
	if w.State != model.WorkerStateHealthy {
		t.Errorf("persisted state = %s, want healthy after report", w.State)
	}

	u := remote.NewUpdateSet()
	u.AddHealthChange(remote.HealthChange{
		Shard: "w1", From: model.WorkerStateHealthy, To: model.WorkerStateUnhealthy,
	})
	if err := tl.Apply(ctx, u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	w, _ = tl.store.GetWorker(ctx, "w1")
	if w.State != model.WorkerStateUnhealthy {
		t.Errorf("persisted state = %s, want unhealthy", w.State)
	}
}
