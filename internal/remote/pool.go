package remote

import "math/rand"

// Pool is a keyed collection of worker handles supporting fair
// round-robin selection. The cursor (nextShard) names the last shard
// handed out; it is never trusted — every nextWorker call revalidates it
// and reseeds from an arbitrary member when it has gone stale.
//
// Mutation is package-internal: dispatch callers only see Get, Len and
// Each through the Registry's accessors.
type Pool struct {
	name    string // for log messages
	workers map[string]*Worker
	order   []string // membership in selection order
	next    string   // cursor: shard of the last selected worker
}

func newPool(name string) *Pool {
	return &Pool{
		name:    name,
		workers: make(map[string]*Worker),
	}
}

// Get returns the handle for shard, or nil. Never touches the cursor.
func (p *Pool) Get(shard string) *Worker {
	return p.workers[shard]
}

// Len returns the number of workers in the pool.
func (p *Pool) Len() int {
	return len(p.workers)
}

// Each calls fn for every worker in the pool. Iteration is read-only
// with respect to the cursor and must not be used for dispatch; it does
// not participate in round-robin fairness.
func (p *Pool) Each(fn func(w *Worker)) {
	for _, shard := range p.order {
		fn(p.workers[shard])
	}
}

// Shards returns the shard ids currently in the pool.
func (p *Pool) Shards() []string {
	shards := make([]string, len(p.order))
	copy(shards, p.order)
	return shards
}

// insert adds or replaces the entry for the worker's shard. The cursor
// is not affected.
func (p *Pool) insert(w *Worker) {
	if _, ok := p.workers[w.shard]; !ok {
		p.order = append(p.order, w.shard)
	}
	p.workers[w.shard] = w
}

// remove deletes the entry for shard. If the cursor pointed here it is
// left dangling; the next nextWorker call recovers.
func (p *Pool) remove(shard string) {
	if _, ok := p.workers[shard]; !ok {
		return
	}
	delete(p.workers, shard)
	for i, s := range p.order {
		if s == shard {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// nextWorker returns the next worker in round-robin order, or nil if the
// pool is empty. With stable membership, repeated calls visit every
// member before any repeats; across insertions and removals only
// amortized fairness holds.
func (p *Pool) nextWorker() *Worker {
	if len(p.order) == 0 {
		return nil
	}

	idx := -1
	if p.next != "" {
		for i, s := range p.order {
			if s == p.next {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		// First call, or the cursor's shard was removed: reseed from an
		// arbitrary current member.
		idx = rand.Intn(len(p.order))
	} else {
		idx = (idx + 1) % len(p.order)
	}

	p.next = p.order[idx]
	return p.workers[p.next]
}
