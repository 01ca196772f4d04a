package coroutines

import "fmt"

// MaxWorkers is the capacity of the worker id pool.
const MaxWorkers = 256

// MainWorkerIndex is the index of the main worker.
const MainWorkerIndex = 0

// A WorkerID names one instance of a worker: the low bits are the index into
// the worker table, the high bits the generation of that index. An index is
// recycled only after its worker shut down, and every reuse bumps the
// generation, so a stale WorkerID never resolves to the new worker.
type WorkerID uint32

const workerIndexBits = 8

// maxGeneration is the largest generation a WorkerID can carry. The
// generation after it is 1 again, so an id held across 2^24 reuses of its
// index would resolve to the new worker.
const maxGeneration = 1<<(32-workerIndexBits) - 1

// NoWorker is the zero WorkerID. Generations start at 1 so no live worker
// ever has this id.
const NoWorker WorkerID = 0

func makeWorkerID(index int, gen uint32) WorkerID {
	return WorkerID(gen<<workerIndexBits | uint32(index))
}

// Index returns the index of the worker in [0, MaxWorkers).
func (id WorkerID) Index() int {
	return int(id & (1<<workerIndexBits - 1))
}

// Generation returns how many times the index had been handed out when this
// worker was created.
func (id WorkerID) Generation() uint32 {
	return uint32(id) >> workerIndexBits
}

func (id WorkerID) String() string {
	if id == NoWorker {
		return "none"
	}
	return fmt.Sprintf("%d.%d", id.Index(), id.Generation())
}

// idPool is a fixed-capacity free list of worker indices.
type idPool struct {
	free []int
	gens [MaxWorkers]uint32
	used [MaxWorkers]bool
}

func newIDPool() *idPool {
	p := &idPool{
		free: make([]int, 0, MaxWorkers),
	}
	// pop from the end, so push in reverse to hand out low indices first
	for i := MaxWorkers - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// alloc hands out the lowest free index with a new generation.
func (p *idPool) alloc() (WorkerID, bool) {
	n := len(p.free)
	if n == 0 {
		return NoWorker, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	return p.take(idx), true
}

func (p *idPool) take(idx int) WorkerID {
	p.gens[idx] = p.gens[idx]%maxGeneration + 1
	p.used[idx] = true
	return makeWorkerID(idx, p.gens[idx])
}

// allocIndex hands out a specific index, used for the main worker.
func (p *idPool) allocIndex(idx int) (WorkerID, bool) {
	for i, f := range p.free {
		if f == idx {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return p.take(idx), true
		}
	}
	return NoWorker, false
}

func (p *idPool) release(id WorkerID) {
	idx := id.Index()
	if !p.used[idx] || p.gens[idx] != id.Generation() {
		panic(fmt.Sprintf("releasing worker id %s that is not allocated", id))
	}
	p.used[idx] = false
	// keep the free list sorted descending so alloc returns the lowest index
	i := len(p.free)
	p.free = append(p.free, idx)
	for i > 0 && p.free[i-1] < idx {
		p.free[i] = p.free[i-1]
		i--
	}
	p.free[i] = idx
}

// current reports whether id is the live generation of its index.
func (p *idPool) current(id WorkerID) bool {
	idx := id.Index()
	return p.used[idx] && p.gens[idx] == id.Generation()
}

// inUse counts allocated ids, including those of workers that are shutting
// down but have not released theirs yet.
func (p *idPool) inUse() int {
	return MaxWorkers - len(p.free)
}
