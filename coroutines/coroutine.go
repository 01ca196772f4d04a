package coroutines

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kmrgirish/corosched/internal/coro"
)

// A CoroutineID identifies a coroutine for the lifetime of a manager. Ids are
// never reused.
type CoroutineID uint64

// Type classifies coroutines for bookkeeping. Everything except Mutator and
// ScheduleLoop counts as a system coroutine.
type Type uint8

const (
	TypeMutator Type = iota
	TypeFinalizer
	TypeService
	// TypeScheduleLoop marks the record standing for a worker's scheduling
	// loop. It has no entrypoint and never runs.
	TypeScheduleLoop
)

func (t Type) String() string {
	switch t {
	case TypeMutator:
		return "mutator"
	case TypeFinalizer:
		return "finalizer"
	case TypeService:
		return "service"
	case TypeScheduleLoop:
		return "schedule-loop"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

func (t Type) isSystem() bool {
	return t == TypeFinalizer || t == TypeService
}

// Priority orders coroutines within a worker's run queue. The zero value
// means "unset" and resolves to DefaultPriority at launch.
type Priority uint8

const (
	priorityUnset Priority = iota
	PriorityCritical
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// DefaultPriority is used when LaunchOptions leaves Priority unset.
const DefaultPriority = PriorityMedium

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case priorityUnset:
		return "unset"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}

// Status is the lifecycle state of a coroutine. It is written only by the
// side that currently owns the coroutine (its worker, or the manager during
// placement and migration) and read cooperatively by everyone else.
type Status uint32

const (
	StatusCreated Status = iota
	StatusRunnable
	StatusRunning
	// StatusBlocked: parked in the wait map on a CoroutineEvent.
	StatusBlocked
	// StatusSuspended: stopped at a safepoint by SuspendAll.
	StatusSuspended
	// StatusWaiting: sleeping until a deadline.
	StatusWaiting
	StatusTerminating
	StatusFinished
	// StatusTerminatedLoop marks a daemon coroutine stopped at shutdown.
	StatusTerminatedLoop
)

var statusNames = [...]string{
	StatusCreated:        "created",
	StatusRunnable:       "runnable",
	StatusRunning:        "running",
	StatusBlocked:        "blocked",
	StatusSuspended:      "suspended",
	StatusWaiting:        "waiting",
	StatusTerminating:    "terminating",
	StatusFinished:       "finished",
	StatusTerminatedLoop: "terminated-loop",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// A Method is a managed entrypoint.
type Method interface {
	Name() string
	Invoke(co *Coroutine, args []any) (any, error)
}

// MethodFunc adapts a function to Method.
type MethodFunc struct {
	MethodName string
	Fn         func(co *Coroutine, args []any) (any, error)
}

func (f MethodFunc) Name() string { return f.MethodName }

func (f MethodFunc) Invoke(co *Coroutine, args []any) (any, error) {
	return f.Fn(co, args)
}

// NativeFunc is a native entrypoint, used for runtime-internal service
// coroutines.
type NativeFunc func(co *Coroutine, param any)

type entrypointKind uint8

const (
	entryNone entrypointKind = iota
	entryManaged
	entryNative
)

type entrypoint struct {
	kind entrypointKind

	method     Method
	args       []any
	completion *CompletionEvent

	native NativeFunc
	param  any
}

// suspendPoint tells the worker why a fiber switched out.
type suspendPoint uint8

const (
	suspendNone suspendPoint = iota
	suspendYield
	suspendAwait
	suspendSleep
	// suspendSwitch: yield and run switchTo next, for LaunchImmediately.
	suspendSwitch
	suspendExit
	// suspendDetach: an attached coroutine leaves its worker for good.
	suspendDetach
)

// A Coroutine is the schedulable unit. Its fields are owned by whichever
// side currently runs or places it; the atomics may be read by anyone.
type Coroutine struct {
	id       CoroutineID
	name     string
	typ      Type
	priority Priority
	affinity AffinityMask
	abortOn  bool
	entry    entrypoint
	// limited: holds a unit of the live coroutine ceiling
	limited bool

	status atomic.Uint32
	worker atomic.Uint32 // WorkerID

	allIdx intrusiveIndex // idx in scheduler.coroutines, or -1
	pos    int            // idx in a worker's run queue heap, or -1
	seq    uint64         // run queue arrival order

	// stackful
	fiber      coro.Coro
	park       suspendPoint
	parkEv     *CoroutineEvent
	parkStatus Status
	wakeAt     time.Time
	switchTo   *Coroutine
	timer      *sleepTimer

	// threaded
	resumeCh  chan struct{}
	interrupt chan struct{}

	// set before resuming a coroutine that must unwind at its next
	// suspension point
	aborted atomic.Bool

	// pending SuspendAll requests, guarded by the list lock
	suspendCount int

	panicValue     string
	panicTraceback []byte
}

func (co *Coroutine) ID() CoroutineID        { return co.id }
func (co *Coroutine) Name() string           { return co.name }
func (co *Coroutine) Type() Type             { return co.typ }
func (co *Coroutine) Priority() Priority     { return co.priority }
func (co *Coroutine) Affinity() AffinityMask { return co.affinity }
func (co *Coroutine) Status() Status         { return Status(co.status.Load()) }

// Worker returns the id of the worker that currently owns co.
func (co *Coroutine) Worker() WorkerID { return WorkerID(co.worker.Load()) }

// Aborted reports whether the manager asked co to unwind. Long running
// service coroutines poll it between suspension points.
func (co *Coroutine) Aborted() bool { return co.aborted.Load() }

func (co *Coroutine) String() string {
	return fmt.Sprintf("coroutine %d %q", co.id, co.name)
}

func (co *Coroutine) setWorker(id WorkerID) {
	co.worker.Store(uint32(id))
}

// hasEntrypoint reports whether co runs code of its own, as opposed to the
// main, exclusive-thread and schedule-loop records.
func (co *Coroutine) hasEntrypoint() bool {
	return co.entry.kind != entryNone
}

type intrusiveList[A any] []A

type intrusiveIndex struct{ idx int }

func (l *intrusiveList[A]) add(elem A, idxFunc func(elem A) *intrusiveIndex) {
	oldIdx := idxFunc(elem).idx
	if oldIdx != -1 {
		panic(elem)
	}
	idxFunc(elem).idx = len(*l)
	*l = append(*l, elem)
}

func (l *intrusiveList[A]) remove(elem A, idxFunc func(elem A) *intrusiveIndex) {
	oldIdx := idxFunc(elem).idx
	if oldIdx == -1 {
		panic(elem)
	}
	n := len(*l)
	replacement := (*l)[n-1]
	(*l)[oldIdx] = replacement
	idxFunc(replacement).idx = oldIdx
	*l = (*l)[:n-1]
	idxFunc(elem).idx = -1
}

func (co *Coroutine) allIdxPtr() *intrusiveIndex {
	return &co.allIdx
}

// coroutinePool recycles terminated coroutine objects when
// Config.ReuseCoroutines is set. Guarded by the list lock.
type coroutinePool struct {
	enabled bool
	free    []*Coroutine
}

func (p *coroutinePool) alloc() *Coroutine {
	if n := len(p.free); n > 0 {
		co := p.free[n-1]
		p.free = p.free[:n-1]
		return co
	}
	return &Coroutine{}
}

func (p *coroutinePool) put(co *Coroutine) {
	if !p.enabled {
		return
	}
	co.id = 0
	co.name = ""
	co.typ = TypeMutator
	co.priority = DefaultPriority
	co.affinity = AffinityMask{}
	co.abortOn = false
	co.entry = entrypoint{}
	co.status.Store(uint32(StatusCreated))
	co.worker.Store(uint32(NoWorker))
	co.allIdx.idx = -1
	co.pos = -1
	co.seq = 0
	co.fiber.Reset()
	co.park = suspendNone
	co.parkEv = nil
	co.parkStatus = StatusCreated
	co.wakeAt = time.Time{}
	co.switchTo = nil
	co.timer = nil
	co.resumeCh = nil
	co.interrupt = nil
	co.limited = false
	co.aborted.Store(false)
	co.suspendCount = 0
	co.panicValue = ""
	co.panicTraceback = nil
	p.free = append(p.free, co)
}

func (p *coroutinePool) drain() {
	p.free = nil
}
