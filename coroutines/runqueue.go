package coroutines

import "container/heap"

// runEntries implements heap.Interface ordered by priority, then arrival.
type runEntries []*Coroutine

func (h runEntries) Len() int { return len(h) }

func (h runEntries) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h runEntries) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *runEntries) Push(x any) {
	co := x.(*Coroutine)
	if co.pos != -1 {
		panic(co.pos)
	}
	co.pos = len(*h)
	*h = append(*h, co)
}

func (h *runEntries) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	x.pos = -1
	return x
}

// runQueue is a worker's priority run queue. Coroutines of equal priority
// run in arrival order. Not safe for concurrent use; the worker's lock
// guards it.
type runQueue struct {
	entries runEntries
	nextSeq uint64
}

func (q *runQueue) push(co *Coroutine) {
	co.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.entries, co)
}

// pushFront queues co ahead of everything of its priority.
func (q *runQueue) pushFront(co *Coroutine) {
	if len(q.entries) == 0 {
		q.push(co)
		return
	}
	{
		min := q.entries[0].seq
		for _, other := range q.entries {
			if other.seq < min {
				min = other.seq
			}
		}
		if min > 0 {
			co.seq = min - 1
		} else {
			// renumber to make room in front
			for _, other := range q.entries {
				other.seq++
			}
			q.nextSeq++
			co.seq = 0
		}
	}
	heap.Push(&q.entries, co)
}

func (q *runQueue) pop() *Coroutine {
	if len(q.entries) == 0 {
		return nil
	}
	return heap.Pop(&q.entries).(*Coroutine)
}

func (q *runQueue) peek() *Coroutine {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

func (q *runQueue) remove(co *Coroutine) {
	if co.pos == -1 || q.entries[co.pos] != co {
		panic(co)
	}
	heap.Remove(&q.entries, co.pos)
}

func (q *runQueue) len() int {
	return len(q.entries)
}

// takeFunc removes up to max queued coroutines for which keep returns true,
// lowest priority first so urgent work stays put.
func (q *runQueue) takeFunc(max int, keep func(co *Coroutine) bool) []*Coroutine {
	var candidates []*Coroutine
	for _, co := range q.entries {
		if keep(co) {
			candidates = append(candidates, co)
		}
	}
	// entries is a heap, not sorted; order candidates by reverse run order
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && runEntries(candidates).Less(j-1, j); j-- {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}
	if max >= 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	for _, co := range candidates {
		q.remove(co)
	}
	return candidates
}
