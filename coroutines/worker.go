package coroutines

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kmrgirish/corosched/internal/schedlog"
)

// LoopKind tells how a worker's scheduling loop runs.
type LoopKind uint8

const (
	// LoopFiber: a dedicated goroutine locked to its thread switches between
	// coroutine fibers.
	LoopFiber LoopKind = iota
	// LoopThread: no loop at all; coroutines hand the running slot to each
	// other.
	LoopThread
)

func (k LoopKind) String() string {
	switch k {
	case LoopFiber:
		return "fiber"
	case LoopThread:
		return "thread"
	default:
		return fmt.Sprintf("LoopKind(%d)", uint8(k))
	}
}

// A Worker executes coroutines one at a time.
type Worker struct {
	id        WorkerID
	name      string
	kind      LoopKind
	exclusive bool
	main      bool

	// active is set once the worker accepts coroutines and cleared when it
	// is finalized. disabled is set while a finalizer drains the worker: no
	// new unpinned coroutines are placed on it.
	active   atomic.Bool
	disabled atomic.Bool
	// owned counts unfinished coroutines whose owner is this worker:
	// queued, running and parked. It is the worker's load.
	owned atomic.Int64

	mu      sync.Mutex
	queue   runQueue
	running *Coroutine
	timers  *timerHeap

	// wake is poked whenever the queue or timers change under an idle loop.
	wake      chan struct{}
	idleTimer *time.Timer

	loop     *Coroutine // TypeScheduleLoop record, stackful only
	started  bool       // guarded by the worker-set lock
	exited   bool       // guarded by the worker-set lock
	done     chan struct{}
	finalize *finalizeGroup

	switches  atomic.Uint64
	completed atomic.Uint64
	// migration monitor state, touched only by the monitor
	lastSwitches       uint64
	migrationRequested atomic.Bool

	log *slog.Logger
}

func newWorker(id WorkerID, name string, kind LoopKind, logger *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		name:   name,
		kind:   kind,
		timers: newTimerHeap(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    logger.With("worker", id.String()),
	}
}

func (w *Worker) ID() WorkerID     { return w.id }
func (w *Worker) Name() string     { return w.name }
func (w *Worker) Kind() LoopKind   { return w.kind }
func (w *Worker) Exclusive() bool  { return w.exclusive }
func (w *Worker) IsMain() bool     { return w.main }
func (w *Worker) Active() bool     { return w.active.Load() }
func (w *Worker) Load() int64      { return w.owned.Load() }
func (w *Worker) Switches() uint64 { return w.switches.Load() }

func (w *Worker) String() string {
	return fmt.Sprintf("worker %s %q", w.id, w.name)
}

// poke wakes an idle loop. Never blocks.
func (w *Worker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) isRunning(co *Coroutine) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running == co
}

// idle reports whether the worker has nothing queued or running.
func (w *Worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running == nil && w.queue.len() == 0
}

// queued returns the run queue length.
func (w *Worker) queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.len()
}

const (
	workerFlagActive = 1 << iota
	workerFlagDisabled
	workerFlagExclusive
	workerFlagMain
	workerFlagIdle
)

var workerFlagFormatter = &schedlog.BitflagFormatter{
	Flags: []schedlog.BitflagValue{
		{Value: workerFlagMain, Name: "main"},
		{Value: workerFlagExclusive, Name: "exclusive"},
		{Value: workerFlagActive, Name: "active"},
		{Value: workerFlagDisabled, Name: "disabled"},
		{Value: workerFlagIdle, Name: "idle"},
	},
}

func (w *Worker) flags() int {
	var f int
	if w.active.Load() {
		f |= workerFlagActive
	}
	if w.disabled.Load() {
		f |= workerFlagDisabled
	}
	if w.exclusive {
		f |= workerFlagExclusive
	}
	if w.main {
		f |= workerFlagMain
	}
	w.mu.Lock()
	if w.running == nil && w.queue.len() == 0 {
		f |= workerFlagIdle
	}
	w.mu.Unlock()
	return f
}

// finalizeGroup counts down the workers retired by one FinalizeWorkers call
// and fires its event when the last one is gone.
type finalizeGroup struct {
	remaining atomic.Int32
	done      *CoroutineEvent
}

func (g *finalizeGroup) workerDone() {
	if g.remaining.Add(-1) == 0 {
		g.done.Happen()
	}
}
