package coroutines

import (
	"container/heap"
	"time"
)

// sleepTimer wakes a coroutine parked by Sleep.
type sleepTimer struct {
	when time.Time
	co   *Coroutine
	pos  int
}

// timers implements heap.Interface
type timers []*sleepTimer

func (h timers) Len() int { return len(h) }

func (h timers) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timers) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *timers) Push(x any) {
	t := x.(*sleepTimer)
	if t.pos != -1 {
		panic(t.pos)
	}
	t.pos = len(*h)
	*h = append(*h, t)
}

func (h *timers) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	x.pos = -1
	return x
}

// timerHeap holds the sleepers of one worker, guarded by the worker lock.
type timerHeap struct {
	timers timers
}

func newTimerHeap() *timerHeap {
	return &timerHeap{}
}

func (h *timerHeap) add(t *sleepTimer) {
	heap.Push(&h.timers, t)
}

func (h *timerHeap) adjust(t *sleepTimer, when time.Time) {
	if t.pos == -1 || h.timers[t.pos] != t {
		panic(t)
	}
	t.when = when
	heap.Fix(&h.timers, t.pos)
}

func (h *timerHeap) remove(t *sleepTimer) {
	if t.pos == -1 || h.timers[t.pos] != t {
		panic(t)
	}
	heap.Remove(&h.timers, t.pos)
}

func (h *timerHeap) len() int {
	return len(h.timers)
}

func (h *timerHeap) pop() *sleepTimer {
	return heap.Pop(&h.timers).(*sleepTimer)
}

func (h *timerHeap) peek() *sleepTimer {
	return h.timers[0]
}

// expired pops every timer due at now.
func (h *timerHeap) expired(now time.Time) []*sleepTimer {
	var out []*sleepTimer
	for len(h.timers) > 0 && !h.timers[0].when.After(now) {
		out = append(out, h.pop())
	}
	return out
}

// removeFunc drops every timer for which drop returns true.
func (h *timerHeap) removeFunc(drop func(t *sleepTimer) bool) []*sleepTimer {
	var removed []*sleepTimer
	i, j := 0, 0
	for i < len(h.timers) {
		if drop(h.timers[i]) {
			h.timers[i].pos = -1
			removed = append(removed, h.timers[i])
			i++
			continue
		}
		h.timers[j] = h.timers[i]
		h.timers[j].pos = j
		i++
		j++
	}
	for k := j; k < len(h.timers); k++ {
		h.timers[k] = nil
	}
	h.timers = h.timers[:j]
	heap.Init(&h.timers)
	return removed
}
