package store

import (
	"context"

	"github.com/me/dispatchd/pkg/model"
)

// Store defines the persistence layer for dispatchd entities. Worker
// rows and the running-task ledger are written from applied UpdateSets;
// the ledger is what the scheduler consults after a restart to know
// which workers it must wait for.
type Store interface {
	// Workers (registration snapshots)
	UpsertWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, shard string) (*model.Worker, error)
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
	UpdateWorkerState(ctx context.Context, shard string, state model.WorkerState) error
	DeleteWorker(ctx context.Context, shard string) error

	// Running-task ledger
	RecordRunningTask(ctx context.Context, rt model.RunningTask) error
	GetRunningTask(ctx context.Context, taskID string) (*model.RunningTask, error)
	DeleteRunningTask(ctx context.Context, taskID string) error
	ListRunningTasks(ctx context.Context, shard string) ([]model.RunningTask, error)
	// ShardsWithRunningTasks returns the distinct shards present in the
	// ledger: the workers the scheduler waits for after a restart.
	ShardsWithRunningTasks(ctx context.Context) ([]string, error)

	// Tasks
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, opts model.ListOptions) ([]*model.Task, int, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	GetTasksByState(ctx context.Context, state model.TaskState) ([]*model.Task, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
