package coroutines

import "sync"

// Event is implemented by the events a coroutine can Await: *CoroutineEvent
// and *CompletionEvent.
type Event interface {
	base() *CoroutineEvent
}

// waker moves the waiters of an event back to their run queues.
type waker interface {
	UnblockWaiters(ev Event)
}

// A CoroutineEvent parks coroutines until it happens. Its state is guarded
// by an internal lock; Lock and Unlock bracket the locked state in which an
// awaiting coroutine registers itself as a waiter.
//
// Happen wakes every waiter. A coroutine must not touch an event after its
// Happen returned unless it has another synchronization point with the side
// that owns the event: the awaiter may already have resumed and dropped it.
type CoroutineEvent struct {
	mu       sync.Mutex
	happened bool
	waker    waker
}

// NewEvent returns an event whose waiters are woken through m.
func NewEvent(m Manager) *CoroutineEvent {
	return &CoroutineEvent{waker: m}
}

func (e *CoroutineEvent) base() *CoroutineEvent { return e }

func (e *CoroutineEvent) Lock()   { e.mu.Lock() }
func (e *CoroutineEvent) Unlock() { e.mu.Unlock() }

// Happened reports the state. The caller must hold the lock.
func (e *CoroutineEvent) Happened() bool {
	return e.happened
}

// HasHappened locks the event and reports its state.
func (e *CoroutineEvent) HasHappened() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.happened
}

// Happen marks the event as happened and unblocks all waiters. Calling it
// again is harmless: the wait map entry is gone after the first call.
func (e *CoroutineEvent) Happen() {
	e.mu.Lock()
	e.happened = true
	e.mu.Unlock()
	if e.waker != nil {
		e.waker.UnblockWaiters(e)
	}
}

// SetNotHappened re-arms the event.
func (e *CoroutineEvent) SetNotHappened() {
	e.mu.Lock()
	e.happened = false
	e.mu.Unlock()
}

// A CompletionEvent happens when a managed entrypoint returns, and carries
// its result.
type CompletionEvent struct {
	CoroutineEvent

	result any
	err    error
}

// NewCompletionEvent returns a completion event whose waiters are woken
// through m.
func NewCompletionEvent(m Manager) *CompletionEvent {
	return &CompletionEvent{CoroutineEvent: CoroutineEvent{waker: m}}
}

// Result returns the entrypoint's return values. Only valid after the event
// happened.
func (c *CompletionEvent) Result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

func (c *CompletionEvent) complete(result any, err error) {
	c.mu.Lock()
	c.result, c.err = result, err
	c.mu.Unlock()
	c.Happen()
}

// waitMap holds the coroutines parked on each event. It references
// coroutines by id only; the scheduler resolves them when waking.
type waitMap struct {
	mu      sync.Mutex
	waiters map[*CoroutineEvent][]CoroutineID
	count   int
}

func newWaitMap() *waitMap {
	return &waitMap{waiters: make(map[*CoroutineEvent][]CoroutineID)}
}

func (w *waitMap) add(ev *CoroutineEvent, id CoroutineID) {
	w.mu.Lock()
	w.waiters[ev] = append(w.waiters[ev], id)
	w.count++
	w.mu.Unlock()
}

func (w *waitMap) take(ev *CoroutineEvent) []CoroutineID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids, ok := w.waiters[ev]
	if !ok {
		return nil
	}
	delete(w.waiters, ev)
	w.count -= len(ids)
	return ids
}

// remove drops a single waiter, used when aborting it.
func (w *waitMap) remove(id CoroutineID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ev, ids := range w.waiters {
		for i, other := range ids {
			if other != id {
				continue
			}
			ids = append(ids[:i], ids[i+1:]...)
			if len(ids) == 0 {
				delete(w.waiters, ev)
			} else {
				w.waiters[ev] = ids
			}
			w.count--
			return true
		}
	}
	return false
}

func (w *waitMap) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
