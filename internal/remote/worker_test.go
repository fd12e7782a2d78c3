package remote

import (
	"testing"
	"time"

	"github.com/me/dispatchd/pkg/model"
)

var workerEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testWorkerInfo(shard string) model.WorkerInfo {
	return model.WorkerInfo{
		Shard:      shard,
		Hostname:   "host1",
		Addr:       "host1:8090",
		InstanceID: "inst-1",
		StartedAt:  workerEpoch,
	}
}

func heartbeatFrom(info model.WorkerInfo, taskIDs ...string) model.HeartbeatRequest {
	return model.HeartbeatRequest{Worker: info, RunningTaskIDs: taskIDs}
}

func TestProcessHeartbeatSupersededInstanceGetsNoResponse(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())

	zombie := info
	zombie.InstanceID = "inst-0"
	zombie.StartedAt = workerEpoch.Add(-time.Hour)

	u := NewUpdateSet()
	resp := w.processHeartbeat(u, heartbeatFrom(zombie), workerEpoch.Add(time.Second))

	if resp != nil {
		t.Fatalf("expected nil response for superseded instance, got %+v", resp)
	}
	if !u.Empty() {
		t.Errorf("superseded heartbeat must have no side effects, got %+v", u)
	}
	if w.instanceID != "inst-1" {
		t.Errorf("instance id overwritten by zombie: %q", w.instanceID)
	}
}

func TestProcessHeartbeatRestartLosesTasks(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())
	w.initializeRunningTasks(NewUpdateSet(), []model.RunningTask{
		{TaskID: "task_a", Shard: "w1", StartedAt: workerEpoch},
	})
	if w.state != model.WorkerStateHealthy {
		t.Fatalf("state after init = %s, want healthy", w.state)
	}

	fresh := info
	fresh.InstanceID = "inst-2"
	fresh.StartedAt = workerEpoch.Add(time.Minute)

	u := NewUpdateSet()
	resp := w.processHeartbeat(u, heartbeatFrom(fresh), workerEpoch.Add(2*time.Minute))

	if resp == nil {
		t.Fatal("expected a response for a restarted worker")
	}
	if !resp.SendRunningTasks {
		t.Error("restarted worker must be asked to re-report running tasks")
	}
	if w.state != model.WorkerStateNew {
		t.Errorf("state = %s, want new", w.state)
	}
	if w.initialized {
		t.Error("restart must clear the initialized flag")
	}
	if len(u.TasksToKill) != 1 {
		t.Fatalf("TasksToKill = %d entries, want 1", len(u.TasksToKill))
	}
	if u.TasksToKill[0].Reason != KillReasonWorkerLost {
		t.Errorf("kill reason = %s, want %s", u.TasksToKill[0].Reason, KillReasonWorkerLost)
	}
	if u.TasksToKill[0].Task.TaskID != "task_a" {
		t.Errorf("lost task = %s, want task_a", u.TasksToKill[0].Task.TaskID)
	}
}

func TestProcessHeartbeatMustDieOrdersSuicide(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())
	w.state = model.WorkerStateMustDie

	u := NewUpdateSet()
	resp := w.processHeartbeat(u, heartbeatFrom(info), workerEpoch.Add(time.Second))

	if resp == nil || !resp.Suicide {
		t.Fatalf("must-die worker should be ordered to exit, got %+v", resp)
	}
}

func TestProcessHeartbeatRecoversUnhealthy(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())
	w.initializeRunningTasks(NewUpdateSet(), nil)
	w.state = model.WorkerStateUnhealthy

	u := NewUpdateSet()
	resp := w.processHeartbeat(u, heartbeatFrom(info), workerEpoch.Add(time.Second))

	if resp == nil {
		t.Fatal("expected a response")
	}
	if w.state != model.WorkerStateHealthy {
		t.Errorf("state = %s, want healthy", w.state)
	}
	if len(u.HealthChanges) != 1 || u.HealthChanges[0].To != model.WorkerStateHealthy {
		t.Errorf("expected one health change to healthy, got %+v", u.HealthChanges)
	}
}

func TestProcessHeartbeatFlagsUnknownTasks(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())
	w.initializeRunningTasks(NewUpdateSet(), []model.RunningTask{
		{TaskID: "task_known", Shard: "w1", StartedAt: workerEpoch},
	})

	u := NewUpdateSet()
	w.processHeartbeat(u, heartbeatFrom(info, "task_known", "task_mystery"), workerEpoch.Add(time.Second))

	if len(u.TasksToKill) != 1 {
		t.Fatalf("TasksToKill = %d entries, want 1", len(u.TasksToKill))
	}
	tk := u.TasksToKill[0]
	if tk.Task.TaskID != "task_mystery" {
		t.Errorf("flagged task = %s, want task_mystery", tk.Task.TaskID)
	}
	if tk.Reason != KillReasonUnknown {
		t.Errorf("reason = %s, want %s", tk.Reason, KillReasonUnknown)
	}
	if tk.WorkerAddr != info.Addr {
		t.Errorf("kill addr = %q, want %q", tk.WorkerAddr, info.Addr)
	}
}

func TestProcessHeartbeatSkipsUnknownCheckBeforeInit(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())

	u := NewUpdateSet()
	resp := w.processHeartbeat(u, heartbeatFrom(info, "task_x"), workerEpoch.Add(time.Second))

	if len(u.TasksToKill) != 0 {
		t.Errorf("uninitialized worker's reported tasks must not be killed: %+v", u.TasksToKill)
	}
	if !resp.SendRunningTasks {
		t.Error("uninitialized worker must be asked for its running-task report")
	}
}

func TestUpdateStateHealthTransitions(t *testing.T) {
	const (
		healthcheckTimeout = 30 * time.Second
		lostTimeout        = 2 * time.Minute
	)
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())
	w.initializeRunningTasks(NewUpdateSet(), []model.RunningTask{
		{TaskID: "task_a", Shard: "w1", StartedAt: workerEpoch},
	})

	// Within the healthcheck window: still healthy.
	u := NewUpdateSet()
	w.updateState(u, workerEpoch.Add(10*time.Second), healthcheckTimeout, lostTimeout)
	if w.state != model.WorkerStateHealthy {
		t.Fatalf("state = %s, want healthy", w.state)
	}

	// Past the healthcheck window: unhealthy, tasks untouched.
	w.updateState(u, workerEpoch.Add(time.Minute), healthcheckTimeout, lostTimeout)
	if w.state != model.WorkerStateUnhealthy {
		t.Fatalf("state = %s, want unhealthy", w.state)
	}
	if len(u.TasksToKill) != 0 {
		t.Fatalf("unhealthy must not lose tasks yet: %+v", u.TasksToKill)
	}

	// Past the lost window: must die and its tasks are written off.
	w.updateState(u, workerEpoch.Add(3*time.Minute), healthcheckTimeout, lostTimeout)
	if w.state != model.WorkerStateMustDie {
		t.Fatalf("state = %s, want must_die", w.state)
	}
	if len(u.TasksToKill) != 1 || u.TasksToKill[0].Reason != KillReasonWorkerLost {
		t.Fatalf("expected one worker_lost entry, got %+v", u.TasksToKill)
	}
	if len(w.RunningTasks()) != 0 {
		t.Errorf("running set not cleared: %v", w.RunningTasks())
	}
}

func TestUpdateStateNewWorkerCanBeLost(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())

	u := NewUpdateSet()
	w.updateState(u, workerEpoch.Add(5*time.Minute), 30*time.Second, 2*time.Minute)
	if w.state != model.WorkerStateMustDie {
		t.Fatalf("state = %s, want must_die", w.state)
	}
}

func TestRecordTaskLifecycle(t *testing.T) {
	info := testWorkerInfo("w1")
	w := newWorker(info, workerEpoch, discardLogger())
	w.initializeRunningTasks(NewUpdateSet(), nil)

	w.RecordTaskStarted(model.RunningTask{TaskID: "task_a", Shard: "w1", StartedAt: workerEpoch})
	if len(w.RunningTasks()) != 1 {
		t.Fatalf("running tasks = %d, want 1", len(w.RunningTasks()))
	}
	w.RecordTaskFinished("task_a")
	if len(w.RunningTasks()) != 0 {
		t.Fatalf("running tasks = %d, want 0", len(w.RunningTasks()))
	}
}
