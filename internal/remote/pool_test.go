package remote

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/dispatchd/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func poolWorker(shard, hostname string) *Worker {
	info := model.WorkerInfo{
		Shard:      shard,
		Hostname:   hostname,
		Addr:       hostname + ":8090",
		InstanceID: "inst-" + shard,
		StartedAt:  time.Now().UTC(),
	}
	return newWorker(info, time.Now(), discardLogger())
}

func TestNextWorkerEmptyPool(t *testing.T) {
	p := newPool("test")
	if w := p.nextWorker(); w != nil {
		t.Fatalf("expected nil from empty pool, got %q", w.Shard())
	}
}

func TestNextWorkerCycleFairness(t *testing.T) {
	p := newPool("test")
	shards := []string{"w1", "w2", "w3"}
	for _, s := range shards {
		p.insert(poolWorker(s, "host1"))
	}

	// With stable membership every window of Len() consecutive calls
	// must visit each worker exactly once.
	for cycle := 0; cycle < 3; cycle++ {
		seen := make(map[string]bool)
		for i := 0; i < len(shards); i++ {
			w := p.nextWorker()
			if w == nil {
				t.Fatalf("cycle %d call %d: got nil", cycle, i)
			}
			if seen[w.Shard()] {
				t.Fatalf("cycle %d: %q selected twice before the cycle finished", cycle, w.Shard())
			}
			seen[w.Shard()] = true
		}
	}
}

func TestNextWorkerCursorRemoved(t *testing.T) {
	p := newPool("test")
	for _, s := range []string{"w1", "w2", "w3"} {
		p.insert(poolWorker(s, "host1"))
	}

	victim := p.nextWorker()
	p.remove(victim.Shard())

	// The cursor now names a shard that is gone; selection must recover
	// and keep cycling over the survivors.
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		w := p.nextWorker()
		if w == nil {
			t.Fatalf("call %d: got nil from non-empty pool", i)
		}
		if w.Shard() == victim.Shard() {
			t.Fatalf("removed worker %q still selected", victim.Shard())
		}
		seen[w.Shard()]++
	}
	if len(seen) != 2 {
		t.Fatalf("expected both survivors selected, got %v", seen)
	}
	for shard, n := range seen {
		if n != 3 {
			t.Errorf("worker %q selected %d times, want 3", shard, n)
		}
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	p := newPool("test")
	p.insert(poolWorker("w1", "host1"))
	p.insert(poolWorker("w1", "host1"))

	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
	if got := p.Shards(); len(got) != 1 || got[0] != "w1" {
		t.Fatalf("Shards() = %v, want [w1]", got)
	}
}

func TestRemoveUnknownShardIsNoop(t *testing.T) {
	p := newPool("test")
	p.insert(poolWorker("w1", "host1"))
	p.remove("nope")
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
}

func TestEachDoesNotAdvanceCursor(t *testing.T) {
	p := newPool("test")
	for _, s := range []string{"w1", "w2"} {
		p.insert(poolWorker(s, "host1"))
	}

	first := p.nextWorker()
	p.Each(func(w *Worker) {})
	second := p.nextWorker()

	if first.Shard() == second.Shard() {
		t.Fatalf("round-robin repeated %q immediately after Each", first.Shard())
	}
}
