package coroutines

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func queued(id CoroutineID, prio Priority) *Coroutine {
	return &Coroutine{id: id, name: "co", priority: prio, pos: -1}
}

func popIDs(q *runQueue) []CoroutineID {
	var ids []CoroutineID
	for co := q.pop(); co != nil; co = q.pop() {
		ids = append(ids, co.id)
	}
	return ids
}

func TestRunQueueOrder(t *testing.T) {
	var q runQueue
	q.push(queued(1, PriorityLow))
	q.push(queued(2, PriorityMedium))
	q.push(queued(3, PriorityCritical))
	q.push(queued(4, PriorityMedium))
	q.push(queued(5, PriorityHigh))

	if diff := cmp.Diff([]CoroutineID{3, 5, 2, 4, 1}, popIDs(&q)); diff != "" {
		t.Errorf("unexpected order: %s", diff)
	}
}

func TestRunQueuePushFront(t *testing.T) {
	var q runQueue
	q.pushFront(queued(1, PriorityMedium))
	q.push(queued(2, PriorityMedium))
	q.push(queued(3, PriorityMedium))
	q.pushFront(queued(4, PriorityMedium))
	q.push(queued(5, PriorityHigh))

	if diff := cmp.Diff([]CoroutineID{5, 4, 1, 2, 3}, popIDs(&q)); diff != "" {
		t.Errorf("unexpected order: %s", diff)
	}
}

func TestRunQueueTakeFunc(t *testing.T) {
	var q runQueue
	for i := 1; i <= 6; i++ {
		q.push(queued(CoroutineID(i), PriorityMedium))
	}
	// odd ids only, last queued first
	taken := q.takeFunc(2, func(co *Coroutine) bool { return co.id%2 == 1 })
	var ids []CoroutineID
	for _, co := range taken {
		ids = append(ids, co.id)
		if co.pos != -1 {
			t.Errorf("coroutine %d still has pos %d", co.id, co.pos)
		}
	}
	if diff := cmp.Diff([]CoroutineID{5, 3}, ids); diff != "" {
		t.Errorf("unexpected taken: %s", diff)
	}
	if diff := cmp.Diff([]CoroutineID{1, 2, 4, 6}, popIDs(&q)); diff != "" {
		t.Errorf("unexpected remainder: %s", diff)
	}
}

func TestCheckRunQueue(t *testing.T) {
	rapid.Check(t, checkRunQueue)
}

func checkRunQueue(t *rapid.T) {
	var q runQueue
	var model []*Coroutine
	nextID := CoroutineID(1)

	less := func(a, b *Coroutine) bool {
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	}

	actions := map[string]func(t *rapid.T){
		"push": func(t *rapid.T) {
			co := queued(nextID, Priority(rapid.IntRange(int(PriorityCritical), int(PriorityLow)).Draw(t, "priority")))
			nextID++
			q.push(co)
			model = append(model, co)
		},
		"pushFront": func(t *rapid.T) {
			co := queued(nextID, Priority(rapid.IntRange(int(PriorityCritical), int(PriorityLow)).Draw(t, "priority")))
			nextID++
			q.pushFront(co)
			for _, other := range model {
				if other.priority == co.priority && !less(co, other) {
					t.Fatalf("pushFront placed %d behind %d", co.id, other.id)
				}
			}
			model = append(model, co)
		},
		"pop": func(t *rapid.T) {
			if len(model) == 0 {
				t.Skip()
			}
			got := q.pop()
			for _, other := range model {
				if other != got && less(other, got) {
					t.Fatalf("popped %d before %d", got.id, other.id)
				}
			}
			model = slices.DeleteFunc(model, func(co *Coroutine) bool { return co == got })
		},
		"remove": func(t *rapid.T) {
			if len(model) == 0 {
				t.Skip()
			}
			co := rapid.SampledFrom(model).Draw(t, "coroutine")
			q.remove(co)
			if co.pos != -1 {
				t.Fatalf("removed coroutine keeps pos %d", co.pos)
			}
			model = slices.DeleteFunc(model, func(other *Coroutine) bool { return other == co })
		},
		"take": func(t *rapid.T) {
			max := rapid.IntRange(-1, 3).Draw(t, "max")
			prio := Priority(rapid.IntRange(int(PriorityCritical), int(PriorityLow)).Draw(t, "priority"))
			taken := q.takeFunc(max, func(co *Coroutine) bool { return co.priority == prio })
			if max >= 0 && len(taken) > max {
				t.Fatalf("took %d, max %d", len(taken), max)
			}
			for _, co := range taken {
				if co.priority != prio {
					t.Fatalf("took coroutine of priority %s", co.priority)
				}
			}
			model = slices.DeleteFunc(model, func(co *Coroutine) bool { return slices.Contains(taken, co) })
		},
		"": func(t *rapid.T) {
			if q.len() != len(model) {
				t.Fatalf("length mismatch: expected %d, got %d", len(model), q.len())
			}
			for _, co := range model {
				if co.pos < 0 || co.pos >= q.len() || q.entries[co.pos] != co {
					t.Fatalf("wrong pos for coroutine %d", co.id)
				}
			}
		},
	}

	t.Repeat(actions)
}
