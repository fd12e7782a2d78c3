package model

import (
	"errors"
	"testing"
)

func TestTaskStateTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskStateQueued, TaskStateRunning, true},
		{TaskStateQueued, TaskStateKilled, true},
		{TaskStateQueued, TaskStateSucceeded, false},
		{TaskStateRunning, TaskStateSucceeded, true},
		{TaskStateRunning, TaskStateLost, true},
		{TaskStateRunning, TaskStateQueued, false},
		{TaskStateFailed, TaskStateQueued, true},
		{TaskStateLost, TaskStateQueued, true},
		{TaskStateSucceeded, TaskStateQueued, false},
		{TaskStateKilled, TaskStateQueued, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	terminal := []TaskState{TaskStateSucceeded, TaskStateFailed, TaskStateKilled, TaskStateLost}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []TaskState{TaskStateQueued, TaskStateRunning} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestWorkerStateTransitions(t *testing.T) {
	cases := []struct {
		from, to WorkerState
		want     bool
	}{
		{WorkerStateNew, WorkerStateHealthy, true},
		{WorkerStateNew, WorkerStateMustDie, true},
		{WorkerStateNew, WorkerStateUnhealthy, false},
		{WorkerStateHealthy, WorkerStateUnhealthy, true},
		{WorkerStateHealthy, WorkerStateNew, true}, // restart resets
		{WorkerStateUnhealthy, WorkerStateHealthy, true},
		{WorkerStateUnhealthy, WorkerStateMustDie, true},
		{WorkerStateMustDie, WorkerStateHealthy, false},
		{WorkerStateMustDie, WorkerStateNew, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestUnknownWorkerError(t *testing.T) {
	err := error(&UnknownWorkerError{Shard: "w1"})

	var unknownErr *UnknownWorkerError
	if !errors.As(err, &unknownErr) {
		t.Fatal("errors.As failed for UnknownWorkerError")
	}
	if unknownErr.Shard != "w1" {
		t.Errorf("shard = %q, want w1", unknownErr.Shard)
	}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}

func TestListOptionsClamp(t *testing.T) {
	opts := ListOptions{Limit: -5, Offset: -1}
	opts.Clamp()
	if opts.Limit <= 0 {
		t.Errorf("limit = %d, want positive after clamp", opts.Limit)
	}
	if opts.Offset != 0 {
		t.Errorf("offset = %d, want 0 after clamp", opts.Offset)
	}

	opts = ListOptions{Limit: 100000}
	opts.Clamp()
	if opts.Limit != 100 {
		t.Errorf("limit = %d, want capped at 100", opts.Limit)
	}
}
