package coroutines

import (
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestTimerHeap(t *testing.T) {
	baseTime := time.Date(2010, 5, 1, 10, 3, 1, 100, time.UTC)

	heap := newTimerHeap()
	first := &sleepTimer{when: baseTime, pos: -1}
	heap.add(first)
	if first.pos != 0 {
		t.Errorf("expected pos 0, got %d", first.pos)
	}
	a := &sleepTimer{when: baseTime.Add(1 * time.Second), pos: -1}
	heap.add(a)
	heap.add(&sleepTimer{when: baseTime.Add(2 * time.Second), pos: -1})
	b := &sleepTimer{when: baseTime.Add(3 * time.Second), pos: -1}
	heap.add(b)
	if l := heap.len(); l != 4 {
		t.Errorf("expected heap.len() = 4, got %d", l)
	}

	if e := heap.pop(); !e.when.Equal(baseTime) {
		t.Errorf("expected t+0s, got %v", e.when.Sub(baseTime))
	}
	if e := heap.peek(); !e.when.Equal(baseTime.Add(1 * time.Second)) {
		t.Errorf("expected t+1s, got %v", e.when.Sub(baseTime))
	}

	heap.adjust(a, baseTime.Add(4*time.Second))

	if e := heap.pop(); !e.when.Equal(baseTime.Add(2 * time.Second)) {
		t.Errorf("expected t+2s, got %v", e.when.Sub(baseTime))
	}

	heap.remove(b)
	heap.add(&sleepTimer{when: baseTime.Add(5 * time.Second), pos: -1})

	expired := heap.expired(baseTime.Add(4 * time.Second))
	if len(expired) != 1 || expired[0] != a {
		t.Errorf("expected only the t+4s timer to expire, got %d timers", len(expired))
	}

	if e := heap.pop(); !e.when.Equal(baseTime.Add(5 * time.Second)) {
		t.Errorf("expected t+5s, got %v", e.when.Sub(baseTime))
	}
}

func TestCheckTimerHeap(t *testing.T) {
	rapid.Check(t, checkTimerHeap)
}

func checkTimerHeap(t *rapid.T) {
	baseTime := time.Date(2010, 5, 1, 10, 3, 1, 100, time.UTC)
	heap := newTimerHeap()
	var model []*sleepTimer

	var owners []*Coroutine
	for i := 0; i < 5; i++ {
		owners = append(owners, &Coroutine{id: CoroutineID(i + 1)})
	}

	drawWhen := func(t *rapid.T) time.Time {
		return baseTime.Add(time.Duration(rapid.Int64Range(-1e12, 1e12).Draw(t, "when")))
	}

	actions := make(map[string]func(t *rapid.T))

	actions["add"] = func(t *rapid.T) {
		co := rapid.SampledFrom(owners).Draw(t, "coroutine")
		timer := &sleepTimer{when: drawWhen(t), co: co, pos: -1}
		model = append(model, timer)
		heap.add(timer)
	}

	actions["pop"] = func(t *rapid.T) {
		if heap.len() == 0 {
			t.Skip()
		}
		got := heap.pop()
		for _, other := range model {
			if other.when.Before(got.when) {
				t.Errorf("found earlier when %v than returned %v", other.when, got.when)
			}
		}
		if got.pos != -1 {
			t.Error("expected pos -1 after pop")
		}
		model = slices.DeleteFunc(model, func(t *sleepTimer) bool { return t == got })
	}

	actions["adjust"] = func(t *rapid.T) {
		if heap.len() == 0 {
			t.Skip()
		}
		timer := rapid.SampledFrom(model).Draw(t, "timer")
		heap.adjust(timer, drawWhen(t))
	}

	actions["expired"] = func(t *rapid.T) {
		now := drawWhen(t)
		got := heap.expired(now)
		for _, timer := range got {
			if timer.when.After(now) {
				t.Errorf("timer at %v expired at %v", timer.when, now)
			}
		}
		model = slices.DeleteFunc(model, func(t *sleepTimer) bool { return slices.Contains(got, t) })
		for _, timer := range model {
			if !timer.when.After(now) {
				t.Errorf("timer at %v not expired at %v", timer.when, now)
			}
		}
	}

	actions["remove-coroutine"] = func(t *rapid.T) {
		co := rapid.SampledFrom(owners).Draw(t, "coroutine")
		removed := heap.removeFunc(func(t *sleepTimer) bool { return t.co == co })
		for _, timer := range removed {
			if timer.co != co || timer.pos != -1 {
				t.Errorf("bad removed timer")
			}
		}
		model = slices.DeleteFunc(model, func(t *sleepTimer) bool { return t.co == co })
	}

	actions[""] = func(t *rapid.T) {
		if expected, actual := len(model), heap.len(); expected != actual {
			t.Errorf("length mismatch: expected %d, got %d", expected, actual)
		}
		for _, timer := range model {
			if timer.pos < 0 || timer.pos >= len(heap.timers) || heap.timers[timer.pos] != timer {
				t.Errorf("wrong pos for timer of coroutine %d", timer.co.id)
			}
		}
	}

	t.Repeat(actions)
}
