package coroutines

import (
	"fmt"
	"math/bits"
	"strings"
)

// LaunchMode selects the affinity of a newly launched coroutine.
type LaunchMode uint8

const (
	// LaunchDefault lets the coroutine run on any worker allowed by the
	// scheduling policy.
	LaunchDefault LaunchMode = iota
	// LaunchSameWorker pins the coroutine to the launching coroutine's worker.
	LaunchSameWorker
	// LaunchMainWorker pins the coroutine to the main worker.
	LaunchMainWorker
	// LaunchExclusive is reserved for exclusive workers and is not accepted
	// by the Launch family.
	LaunchExclusive
)

func (m LaunchMode) String() string {
	switch m {
	case LaunchDefault:
		return "default"
	case LaunchSameWorker:
		return "same-worker"
	case LaunchMainWorker:
		return "main-worker"
	case LaunchExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LaunchMode(%d)", uint8(m))
	}
}

// SchedulingPolicy decides whether default-mode coroutines may land on the
// main worker.
type SchedulingPolicy uint8

const (
	PolicyAnyWorker SchedulingPolicy = iota
	PolicyNonMainWorker
)

func (p SchedulingPolicy) String() string {
	switch p {
	case PolicyAnyWorker:
		return "any-worker"
	case PolicyNonMainWorker:
		return "non-main-worker"
	default:
		return fmt.Sprintf("SchedulingPolicy(%d)", uint8(p))
	}
}

const maskWords = MaxWorkers / 64

// An AffinityMask is a set of worker indices a coroutine may run on. A mask
// built for a single worker instance also records that worker's full id, so
// it stops matching once the index has been recycled.
type AffinityMask struct {
	bits  [maskWords]uint64
	exact WorkerID
}

// FullMask allows every worker.
func FullMask() AffinityMask {
	var m AffinityMask
	for i := range m.bits {
		m.bits[i] = ^uint64(0)
	}
	return m
}

// SingleWorkerMask allows exactly the worker instance id.
func SingleWorkerMask(id WorkerID) AffinityMask {
	var m AffinityMask
	m.set(id.Index())
	m.exact = id
	return m
}

func (m *AffinityMask) set(idx int) {
	m.bits[idx/64] |= 1 << (idx % 64)
}

func (m *AffinityMask) clear(idx int) {
	m.bits[idx/64] &^= 1 << (idx % 64)
}

// Has reports whether the mask includes index idx.
func (m AffinityMask) Has(idx int) bool {
	return m.bits[idx/64]&(1<<(idx%64)) != 0
}

// Allows reports whether a coroutine with this mask may run on worker id.
func (m AffinityMask) Allows(id WorkerID) bool {
	if m.exact != NoWorker {
		return m.exact == id
	}
	return m.Has(id.Index())
}

// Pinned returns the single worker instance the mask names, if any.
func (m AffinityMask) Pinned() (WorkerID, bool) {
	return m.exact, m.exact != NoWorker
}

// Count returns the number of worker indices in the mask.
func (m AffinityMask) Count() int {
	n := 0
	for _, w := range m.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// Without returns a copy of m that excludes index idx.
func (m AffinityMask) Without(idx int) AffinityMask {
	m.clear(idx)
	if m.exact != NoWorker && m.exact.Index() == idx {
		m.exact = NoWorker
	}
	return m
}

func (m AffinityMask) String() string {
	if m.exact != NoWorker {
		return "worker " + m.exact.String()
	}
	if m.Count() == MaxWorkers {
		return "all"
	}
	var parts []string
	for i := 0; i < MaxWorkers; i++ {
		if m.Has(i) {
			parts = append(parts, fmt.Sprint(i))
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// computeAffinityMask implements the launch mode table: same-worker and
// main-worker masks name one worker instance, default is everything minus
// the main worker under PolicyNonMainWorker.
func computeAffinityMask(mode LaunchMode, current, mainWorker WorkerID, policy SchedulingPolicy) AffinityMask {
	switch mode {
	case LaunchSameWorker:
		return SingleWorkerMask(current)
	case LaunchMainWorker:
		return SingleWorkerMask(mainWorker)
	case LaunchDefault:
		m := FullMask()
		if policy == PolicyNonMainWorker {
			m = m.Without(mainWorker.Index())
		}
		return m
	default:
		panic(fmt.Sprintf("unsupported launch mode %s", mode))
	}
}
