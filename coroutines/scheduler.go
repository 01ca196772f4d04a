package coroutines

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kmrgirish/corosched/internal/schedlog"
)

// PlacementPolicy selects the extremum ChooseWorker looks for.
type PlacementPolicy uint8

const (
	LeastLoaded PlacementPolicy = iota
	MostLoaded
)

func (p PlacementPolicy) String() string {
	switch p {
	case LeastLoaded:
		return "least-loaded"
	case MostLoaded:
		return "most-loaded"
	default:
		return fmt.Sprintf("PlacementPolicy(%d)", uint8(p))
	}
}

// LaunchOptions controls placement and bookkeeping of a new coroutine.
type LaunchOptions struct {
	Mode     LaunchMode
	Priority Priority
	Type     Type
	// Abort turns an error or panic escaping the entrypoint into the
	// manager's abort error.
	Abort bool
}

// strategy is the part of a manager that differs between the stackful and
// threaded variants.
type strategy interface {
	// start prepares co to run its entrypoint without running user code.
	start(co *Coroutine)
	// enqueue makes co runnable on w, its owner. Called with the worker-set
	// lock held.
	enqueue(w *Worker, co *Coroutine)
	// interrupt cuts short a Sleep of co so it can observe an abort. Called
	// with the worker-set lock held.
	interrupt(co *Coroutine)
	// evacuateSleepers moves the migratable sleepers owned by w to other
	// workers. Called with the worker-set lock held.
	evacuateSleepers(w *Worker)
	awaitAs(cur *Coroutine, ev *CoroutineEvent, status Status)
}

// scheduler holds the state both managers share.
type scheduler struct {
	cfg    Config
	trace  traceFlags
	logger *slog.Logger
	impl   strategy
	self   Manager

	// worker-set lock; ordered before the list lock, worker queue locks and
	// event locks
	workersLock      sync.Mutex
	workersCond      *sync.Cond
	workers          [MaxWorkers]*Worker
	ids              *idPool
	activeWorkers    int
	exclusiveWorkers int
	mainWorker       *Worker

	listLock        sync.Mutex
	coroutines      intrusiveList[*Coroutine]
	byID            map[CoroutineID]*Coroutine
	nextID          CoroutineID
	systemCount     int
	loopCount       int
	suspendAllCount int
	resumeEvent     *CoroutineEvent
	pool            coroutinePool

	launched   atomic.Uint64
	terminated atomic.Uint64

	limit   *semaphore.Weighted
	waiters *waitMap

	// completion happens while only main, system coroutines and
	// schedule-loop records are live. Its state is rewritten under the list
	// lock at every registration and deregistration.
	completion *CoroutineEvent
	main       *Coroutine

	abortMu  sync.Mutex
	abortErr error

	shutdown  atomic.Bool
	finalized atomic.Bool
}

func newScheduler(cfg Config) (*scheduler, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	trace, err := parseTraceflagsConfig(cfg.TraceFlags)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = makeLogger(MakeConsoleWriter(cfg.LogOutput, cfg.LogFormat), cfg.LogLevel)
	}
	logger = logger.With("strategy", cfg.Strategy.String())

	s := &scheduler{
		cfg:     cfg,
		trace:   trace,
		logger:  logger,
		ids:     newIDPool(),
		byID:    make(map[CoroutineID]*Coroutine),
		pool:    coroutinePool{enabled: cfg.ReuseCoroutines},
		limit:   semaphore.NewWeighted(cfg.CoroutineLimit()),
		waiters: newWaitMap(),
	}
	s.workersCond = sync.NewCond(&s.workersLock)
	return s, nil
}

// init finishes construction once the concrete manager exists.
func (s *scheduler) init(self Manager, impl strategy) {
	s.self = self
	s.impl = impl
	s.completion = NewEvent(self)
}

func (s *scheduler) Strategy() Strategy   { return s.cfg.Strategy }
func (s *scheduler) Config() Config       { return s.cfg }
func (s *scheduler) Logger() *slog.Logger { return s.logger }
func (s *scheduler) Main() *Coroutine     { return s.main }

// Err returns the abort error recorded by a coroutine launched with
// LaunchOptions.Abort, or nil.
func (s *scheduler) Err() error {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	return s.abortErr
}

func (s *scheduler) setAbortErr(err error) {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	if s.abortErr == nil {
		s.abortErr = err
	}
}

// setStatus records a transition and reports it to the observer.
func (s *scheduler) setStatus(co *Coroutine, worker WorkerID, to Status) {
	from := Status(co.status.Swap(uint32(to)))
	s.cfg.Observer.OnTransition(worker, co, from, to)
	if s.trace.sched {
		s.logger.Debug("transition", "coroutine", co.id, "name", co.name, "worker", worker.String(), "from", from.String(), "to", to.String())
	}
}

// workerLocked resolves id through the worker table. Stale ids resolve to
// nil. The caller holds the worker-set lock.
func (s *scheduler) workerLocked(id WorkerID) *Worker {
	if id == NoWorker || !s.ids.current(id) {
		return nil
	}
	w := s.workers[id.Index()]
	if w == nil || w.exited {
		return nil
	}
	return w
}

// Worker resolves id to a live worker.
func (s *scheduler) Worker(id WorkerID) *Worker {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	return s.workerLocked(id)
}

// ComputeAffinityMask returns the mask a coroutine launched by cur in mode
// gets. cur may be nil for LaunchDefault and LaunchMainWorker.
func (s *scheduler) ComputeAffinityMask(cur *Coroutine, mode LaunchMode) AffinityMask {
	current := NoWorker
	if cur != nil {
		current = cur.Worker()
	}
	if mode == LaunchSameWorker && current == NoWorker {
		panic("same-worker launch without a current worker")
	}
	return computeAffinityMask(mode, current, s.mainWorker.id, s.cfg.Policy)
}

// ChooseWorker picks the least or most loaded worker the mask allows. It
// takes the worker-set lock.
func (s *scheduler) ChooseWorker(policy PlacementPolicy, mask AffinityMask) *Worker {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	return s.chooseWorkerLocked(policy, mask, nil)
}

// chooseWorkerLocked skips inactive, exclusive and finalizing workers unless
// the mask names that worker instance. Ties go to the lowest index. filter,
// if set, further restricts the candidates.
func (s *scheduler) chooseWorkerLocked(policy PlacementPolicy, mask AffinityMask, filter func(w *Worker) bool) *Worker {
	var best *Worker
	var bestLoad int64
	for _, w := range s.workers {
		if w == nil || w.exited || !w.active.Load() || !mask.Allows(w.id) {
			continue
		}
		if pinned, ok := mask.Pinned(); !ok || pinned != w.id {
			if w.exclusive || w.disabled.Load() {
				continue
			}
		}
		if filter != nil && !filter(w) {
			continue
		}
		load := w.owned.Load()
		if best == nil ||
			(policy == LeastLoaded && load < bestLoad) ||
			(policy == MostLoaded && load > bestLoad) {
			best, bestLoad = w, load
		}
	}
	return best
}

// newCoroutine allocates and initializes a coroutine; it is not registered.
func (s *scheduler) newCoroutine(name string, typ Type, prio Priority, mask AffinityMask, entry entrypoint, abortOn bool) *Coroutine {
	if prio == priorityUnset {
		prio = DefaultPriority
	}
	s.listLock.Lock()
	reused := len(s.pool.free) > 0
	co := s.pool.alloc()
	s.listLock.Unlock()
	if s.trace.pool && reused {
		s.logger.Debug("reusing coroutine", "name", name)
	}
	co.name = name
	co.typ = typ
	co.priority = prio
	co.affinity = mask
	co.abortOn = abortOn
	co.entry = entry
	co.status.Store(uint32(StatusCreated))
	co.worker.Store(uint32(NoWorker))
	co.allIdx.idx = -1
	co.pos = -1
	return co
}

// register adds co to the live set. Registration and deregistration are
// totally ordered under the list lock.
func (s *scheduler) register(co *Coroutine) {
	s.listLock.Lock()
	defer s.listLock.Unlock()
	s.nextID++
	co.id = s.nextID
	s.coroutines.add(co, (*Coroutine).allIdxPtr)
	s.byID[co.id] = co
	if co.typ.isSystem() {
		s.systemCount++
	}
	if co.typ == TypeScheduleLoop {
		s.loopCount++
	}
	co.suspendCount = s.suspendAllCount
	s.launched.Add(1)
	s.cfg.GC.OnThreadCreate(co)
	s.updateCompletionLocked()
}

func (s *scheduler) lookup(id CoroutineID) *Coroutine {
	s.listLock.Lock()
	defer s.listLock.Unlock()
	return s.byID[id]
}

func (s *scheduler) programCompletedLocked() bool {
	return len(s.coroutines)-s.systemCount <= 1+s.loopCount
}

// updateCompletionLocked sets the completion event to the current value of
// the predicate and reports whether it just became true.
func (s *scheduler) updateCompletionLocked() bool {
	done := s.programCompletedLocked()
	s.completion.Lock()
	was := s.completion.happened
	s.completion.happened = done
	s.completion.Unlock()
	return done && !was
}

// TerminateCoroutine removes co from the live set once its entrypoint
// returned. It reports whether the object should be deleted rather than
// kept for reuse.
func (s *scheduler) TerminateCoroutine(co *Coroutine) bool {
	worker := co.Worker()
	s.setStatus(co, worker, StatusTerminating)
	// give the slot back before completion can be observed
	if co.limited {
		s.limit.Release(1)
	}

	s.listLock.Lock()
	s.coroutines.remove(co, (*Coroutine).allIdxPtr)
	delete(s.byID, co.id)
	if co.typ.isSystem() {
		s.systemCount--
	}
	if co.typ == TypeScheduleLoop {
		s.loopCount--
	}
	s.terminated.Add(1)
	keep := s.pool.enabled && co.hasEntrypoint()
	s.cfg.GC.OnThreadTerminate(co, keep)
	final := StatusFinished
	if co.typ == TypeService && co.aborted.Load() {
		final = StatusTerminatedLoop
	}
	s.setStatus(co, worker, final)
	completed := s.updateCompletionLocked()
	s.listLock.Unlock()

	s.cfg.Listener.OnThreadEnd(co)
	if completed {
		s.UnblockWaiters(s.completion)
	}
	return !keep
}

// recycle hands a terminated coroutine to the reuse pool once nothing runs
// on it anymore.
func (s *scheduler) recycle(co *Coroutine) {
	if !co.hasEntrypoint() {
		return
	}
	s.listLock.Lock()
	defer s.listLock.Unlock()
	s.pool.put(co)
}

// place makes co, freshly created, runnable on w. Worker-set lock held.
func (s *scheduler) placeLocked(w *Worker, co *Coroutine) {
	co.setWorker(w.id)
	w.owned.Add(1)
	s.impl.enqueue(w, co)
}

// makeRunnableLocked re-enqueues a parked coroutine on its owner.
func (s *scheduler) makeRunnableLocked(co *Coroutine) {
	w := s.workerLocked(co.Worker())
	if w == nil {
		w = s.chooseWorkerLocked(LeastLoaded, co.affinity, nil)
		if w == nil {
			panic(fmt.Sprintf("%s has no worker to run on (affinity %s)", co, co.affinity))
		}
		co.setWorker(w.id)
		w.owned.Add(1)
	}
	s.impl.enqueue(w, co)
}

// UnblockWaiters makes every coroutine parked on ev runnable again. A second
// call for the same event finds no waiters.
func (s *scheduler) UnblockWaiters(ev Event) {
	ids := s.waiters.take(ev.base())
	if len(ids) == 0 {
		return
	}
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	for _, id := range ids {
		co := s.lookup(id)
		if co == nil {
			continue
		}
		s.makeRunnableLocked(co)
	}
}

// Await parks cur until ev happens. It returns at once if ev already
// happened.
func (s *scheduler) Await(cur *Coroutine, ev Event) {
	s.impl.awaitAs(cur, ev.base(), StatusBlocked)
}

type launchRequest struct {
	name     string
	entry    entrypoint
	opts     LaunchOptions
	mask     AffinityMask
	limited  bool
	worker   *Worker // placement target; chosen if nil
	noPlace  bool    // caller takes over placement
	internal bool    // allowed after shutdown started
}

// launch creates, registers and places a coroutine.
func (s *scheduler) launch(req launchRequest) (*Coroutine, error) {
	if !req.internal && s.shutdown.Load() {
		return nil, ErrShutdown
	}
	if req.limited && !s.limit.TryAcquire(1) {
		return nil, fmt.Errorf("launch %s: %w", req.name, ErrCoroutineLimit)
	}

	s.workersLock.Lock()
	defer s.workersLock.Unlock()

	w := req.worker
	if w == nil {
		w = s.chooseWorkerLocked(LeastLoaded, req.mask, nil)
	}
	if w == nil {
		if req.limited {
			s.limit.Release(1)
		}
		return nil, fmt.Errorf("launch %s with affinity %s: %w", req.name, req.mask, ErrNoWorker)
	}

	co := s.newCoroutine(req.name, req.opts.Type, req.opts.Priority, req.mask, req.entry, req.opts.Abort)
	co.limited = req.limited
	s.impl.start(co)
	s.register(co)
	s.cfg.Listener.OnThreadStart(co)
	if req.noPlace {
		co.setWorker(w.id)
		w.owned.Add(1)
	} else {
		s.placeLocked(w, co)
	}
	return co, nil
}

func managedRequest(ce *CompletionEvent, method Method, args []any, opts LaunchOptions) launchRequest {
	return launchRequest{
		name: method.Name(),
		entry: entrypoint{
			kind:       entryManaged,
			method:     method,
			args:       args,
			completion: ce,
		},
		opts:    opts,
		limited: true,
	}
}

// Launch starts method(args) in a new coroutine. ce, if not nil, happens
// with the result when the method returns.
func (s *scheduler) Launch(cur *Coroutine, ce *CompletionEvent, method Method, args []any, opts LaunchOptions) error {
	req := managedRequest(ce, method, args, opts)
	req.mask = s.ComputeAffinityMask(cur, opts.Mode)
	_, err := s.launch(req)
	return err
}

// LaunchNative starts fn(param) in a new coroutine.
func (s *scheduler) LaunchNative(cur *Coroutine, fn NativeFunc, param any, name string, opts LaunchOptions) error {
	_, err := s.launch(launchRequest{
		name:    name,
		entry:   entrypoint{kind: entryNative, native: fn, param: param},
		opts:    opts,
		mask:    s.ComputeAffinityMask(cur, opts.Mode),
		limited: true,
	})
	return err
}

// invoke runs the entrypoint of co on its own stack.
func (s *scheduler) invoke(co *Coroutine) {
	switch co.entry.kind {
	case entryManaged:
		res, err := co.entry.method.Invoke(co, co.entry.args)
		co.entry.args = nil
		if err != nil && co.abortOn {
			s.setAbortErr(fmt.Errorf("%s: %w: %w", co, ErrAborted, err))
		}
		if ce := co.entry.completion; ce != nil {
			ce.complete(res, err)
		}
	case entryNative:
		co.entry.native(co, co.entry.param)
	default:
		panic(fmt.Sprintf("%s has no entrypoint", co))
	}
}

// exitpoint runs deferred at the end of every entrypoint goroutine, after a
// normal return, a panic or an abort.
func (s *scheduler) exitpoint(co *Coroutine) {
	if r := recover(); r != nil {
		co.panicValue = fmt.Sprint(r)
		co.panicTraceback = debug.Stack()
		err := fmt.Errorf("%s: %w: %v", co, ErrPanicked, r)
		s.logger.ErrorContext(WithCoroutine(context.Background(), co), "uncaught panic in coroutine", "name", co.name, "value", co.panicValue, schedlog.Stack(3))
		if co.abortOn {
			s.setAbortErr(err)
		}
		if ce := co.entry.completion; ce != nil && !ce.HasHappened() {
			ce.complete(nil, err)
		}
	} else if co.aborted.Load() {
		if ce := co.entry.completion; ce != nil && !ce.HasHappened() {
			ce.complete(nil, fmt.Errorf("%s: %w", co, ErrAborted))
		}
	}
	s.self.TerminateCoroutine(co)
}

// PanicValue returns the recovered panic of a coroutine that terminated by
// panicking, and its traceback.
func (co *Coroutine) PanicValue() (string, []byte) {
	return co.panicValue, co.panicTraceback
}

// SuspendAll asks every live coroutine except cur to stop at its next
// Safepoint. Coroutines registered before the matching ResumeAll inherit the
// request.
func (s *scheduler) SuspendAll(cur *Coroutine) {
	s.listLock.Lock()
	defer s.listLock.Unlock()
	if s.suspendAllCount == 0 {
		s.resumeEvent = NewEvent(s.self)
	}
	s.suspendAllCount++
	for _, co := range s.coroutines {
		if co != cur {
			co.suspendCount++
		}
	}
}

// ResumeAll undoes one SuspendAll.
func (s *scheduler) ResumeAll(cur *Coroutine) {
	s.listLock.Lock()
	if s.suspendAllCount == 0 {
		s.listLock.Unlock()
		panic("ResumeAll without SuspendAll")
	}
	s.suspendAllCount--
	for _, co := range s.coroutines {
		if co != cur && co.suspendCount > 0 {
			co.suspendCount--
		}
	}
	var ev *CoroutineEvent
	if s.suspendAllCount == 0 {
		ev = s.resumeEvent
		s.resumeEvent = nil
	}
	s.listLock.Unlock()
	if ev != nil {
		ev.Happen()
	}
}

// Safepoint parks cur while a SuspendAll is pending for it.
func (s *scheduler) Safepoint(cur *Coroutine) {
	for {
		s.listLock.Lock()
		var ev *CoroutineEvent
		if cur.suspendCount > 0 {
			ev = s.resumeEvent
		}
		s.listLock.Unlock()
		if ev == nil {
			return
		}
		s.impl.awaitAs(cur, ev, StatusSuspended)
	}
}

// WaitForDeregistration parks main until only main, system coroutines and
// schedule-loop records are live.
func (s *scheduler) WaitForDeregistration(main *Coroutine) {
	for {
		s.listLock.Lock()
		done := s.programCompletedLocked()
		s.listLock.Unlock()
		if done {
			return
		}
		// wakeups may be stale; the predicate is checked again
		s.self.Await(main, s.completion)
	}
}

// ProgramCompleted reports the completion predicate.
func (s *scheduler) ProgramCompleted() bool {
	s.listLock.Lock()
	defer s.listLock.Unlock()
	return s.programCompletedLocked()
}

// abortAll flags every entrypoint coroutine except cur for unwinding and
// wakes the ones that are parked.
func (s *scheduler) abortAll(cur *Coroutine) int {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()

	s.listLock.Lock()
	var victims []*Coroutine
	for _, co := range s.coroutines {
		if co == cur || !co.hasEntrypoint() || co.typ == TypeFinalizer {
			continue
		}
		// exclusive workers are shut down by their own thread
		if w := s.workerLocked(co.Worker()); w != nil && w.exclusive {
			continue
		}
		co.aborted.Store(true)
		victims = append(victims, co)
	}
	s.listLock.Unlock()

	for _, co := range victims {
		switch co.Status() {
		case StatusBlocked, StatusSuspended:
			if s.waiters.remove(co.id) {
				s.makeRunnableLocked(co)
			}
		case StatusWaiting:
			s.impl.interrupt(co)
		}
	}
	return len(victims)
}

const drainPollInterval = time.Millisecond

// drain aborts every other coroutine and waits until they all unwound.
func (s *scheduler) drain(main *Coroutine) {
	for {
		if s.abortAll(main) == 0 {
			return
		}
		s.self.Sleep(main, drainPollInterval)
	}
}

// waitWorkersLocked waits on the worker condition until done holds or ctx
// ends. The caller holds the worker-set lock.
func (s *scheduler) waitWorkersLocked(ctx context.Context, done func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		s.workersLock.Lock()
		defer s.workersLock.Unlock()
		s.workersCond.Broadcast()
	})
	defer stop()
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.workersCond.Wait()
	}
	return nil
}

// ActiveWorkers returns the number of active workers, main and exclusive
// ones included.
func (s *scheduler) ActiveWorkers() int {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	return s.activeWorkers
}

// chooseRetirees picks up to n workers FinalizeWorkers may retire and marks
// them disabled. Worker-set lock held.
func (s *scheduler) chooseRetireesLocked(cur *Coroutine, n int) []*Worker {
	var chosen []*Worker
	for _, w := range s.workers {
		if len(chosen) == n {
			break
		}
		if w == nil || w.exited || !w.active.Load() || w.main || w.exclusive || w.disabled.Load() {
			continue
		}
		if cur != nil && w.id == cur.Worker() {
			continue
		}
		chosen = append(chosen, w)
	}
	if len(chosen) < n {
		s.logger.Warn("fewer workers eligible for finalization than requested", "requested", n, "eligible", len(chosen))
	}
	for _, w := range chosen {
		w.disabled.Store(true)
	}
	return chosen
}

// FinalizeWorkers retires n common workers. Each gets a finalizer coroutine
// that moves its migratable coroutines elsewhere, waits for the pinned ones
// to finish and deactivates the worker. The caller waits until all of them
// shut down. FinalizeWorkers(cur, 0) does nothing.
func (s *scheduler) FinalizeWorkers(cur *Coroutine, n int) error {
	if n <= 0 {
		return nil
	}

	s.workersLock.Lock()
	chosen := s.chooseRetireesLocked(cur, n)
	if len(chosen) == 0 {
		s.workersLock.Unlock()
		return nil
	}
	group := &finalizeGroup{done: NewEvent(s.self)}
	group.remaining.Store(int32(len(chosen)))
	for _, w := range chosen {
		w.finalize = group
	}
	s.workersLock.Unlock()

	for _, w := range chosen {
		if _, err := s.launch(launchRequest{
			name:     "finalizer-" + w.id.String(),
			entry:    entrypoint{kind: entryNative, native: s.finalizeWorker, param: w},
			opts:     LaunchOptions{Type: TypeFinalizer, Priority: PriorityCritical},
			mask:     SingleWorkerMask(w.id),
			worker:   w,
			internal: true,
		}); err != nil {
			return fmt.Errorf("finalize %s: %w", w, err)
		}
	}

	s.self.Await(cur, group.done)

	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	return s.waitWorkersLocked(context.Background(), func() bool {
		for _, w := range chosen {
			if !w.exited {
				return false
			}
		}
		return true
	})
}

const finalizePollInterval = time.Millisecond

// finalizeWorker is the entrypoint of a finalizer coroutine pinned to the
// worker it retires.
func (s *scheduler) finalizeWorker(co *Coroutine, param any) {
	w := param.(*Worker)
	w.log.Debug("finalizing worker")
	for {
		s.workersLock.Lock()
		s.evacuateLocked(w)
		if w.owned.Load() <= 1 {
			w.active.Store(false)
			s.workersLock.Unlock()
			return
		}
		s.workersLock.Unlock()
		s.self.Sleep(co, finalizePollInterval)
	}
}

// evacuateLocked moves every queued, parked or sleeping coroutine owned by
// w that is not pinned to it to the least loaded worker its mask allows.
func (s *scheduler) evacuateLocked(w *Worker) {
	w.mu.Lock()
	queued := w.queue.takeFunc(-1, func(co *Coroutine) bool {
		_, pinned := co.affinity.Pinned()
		return !pinned
	})
	w.mu.Unlock()
	for _, co := range queued {
		dst := s.chooseWorkerLocked(LeastLoaded, co.affinity, func(other *Worker) bool { return other != w })
		if dst == nil {
			w.mu.Lock()
			w.queue.push(co)
			w.mu.Unlock()
			continue
		}
		s.transferLocked(co, w, dst)
		s.impl.enqueue(dst, co)
	}

	s.listLock.Lock()
	var parked []*Coroutine
	for _, co := range s.coroutines {
		if co.Worker() != w.id || !co.hasEntrypoint() || w.isRunning(co) {
			continue
		}
		if _, pinned := co.affinity.Pinned(); pinned {
			continue
		}
		switch co.Status() {
		case StatusBlocked, StatusSuspended:
			parked = append(parked, co)
		}
	}
	s.listLock.Unlock()
	for _, co := range parked {
		dst := s.chooseWorkerLocked(LeastLoaded, co.affinity, func(other *Worker) bool { return other != w })
		if dst != nil {
			s.transferLocked(co, w, dst)
		}
	}

	s.impl.evacuateSleepers(w)
}

// transferLocked moves ownership of co from src to dst.
func (s *scheduler) transferLocked(co *Coroutine, src, dst *Worker) {
	co.setWorker(dst.id)
	src.owned.Add(-1)
	dst.owned.Add(1)
	if s.trace.migrate {
		s.logger.Debug("transfer", "coroutine", co.id, "name", co.name, "from", src.id.String(), "to", dst.id.String())
	}
}

// retireWorker shuts down w if it is inactive and owns nothing. It returns
// false if work arrived in the meantime.
func (s *scheduler) retireWorker(w *Worker) bool {
	s.workersLock.Lock()
	if w.exited {
		s.workersLock.Unlock()
		return true
	}
	w.mu.Lock()
	busy := w.active.Load() || w.owned.Load() != 0 || w.queue.len() != 0
	w.mu.Unlock()
	if busy {
		s.workersLock.Unlock()
		return false
	}
	w.exited = true
	s.workers[w.id.Index()] = nil
	s.ids.release(w.id)
	s.activeWorkers--
	if w.exclusive {
		s.exclusiveWorkers--
	}
	group := w.finalize
	loop := w.loop
	s.workersCond.Broadcast()
	s.workersLock.Unlock()

	w.log.Debug("worker shut down", "switches", w.switches.Load(), "completed", w.completed.Load())
	if loop != nil {
		s.self.TerminateCoroutine(loop)
	}
	close(w.done)
	if group != nil {
		group.workerDone()
	}
	return true
}

// activateWorkerLocked marks a started worker active.
func (s *scheduler) activateWorkerLocked(w *Worker) {
	w.active.Store(true)
	w.started = true
	s.activeWorkers++
	s.workersCond.Broadcast()
	if s.trace.worker {
		w.log.Debug("worker started", "kind", w.kind.String(), "exclusive", w.exclusive)
	}
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Strategy         Strategy
	Live             int
	System           int
	Launched         uint64
	Terminated       uint64
	ActiveWorkers    int
	ExclusiveWorkers int
	// WorkerIDs counts allocated worker ids, including retiring workers.
	WorkerIDs        int
	Waiters          int
	PooledCoroutines int
	Workers          []WorkerStats
}

type WorkerStats struct {
	ID        WorkerID
	Name      string
	Flags     string
	Queued    int
	Load      int64
	Switches  uint64
	Completed uint64
}

func (s *scheduler) Stats() Stats {
	st := Stats{Strategy: s.cfg.Strategy}

	s.workersLock.Lock()
	st.ActiveWorkers = s.activeWorkers
	st.ExclusiveWorkers = s.exclusiveWorkers
	st.WorkerIDs = s.ids.inUse()
	for _, w := range s.workers {
		if w == nil || w.exited {
			continue
		}
		st.Workers = append(st.Workers, WorkerStats{
			ID:        w.id,
			Name:      w.name,
			Flags:     workerFlagFormatter.Format(w.flags()),
			Queued:    w.queued(),
			Load:      w.owned.Load(),
			Switches:  w.switches.Load(),
			Completed: w.completed.Load(),
		})
	}
	s.workersLock.Unlock()

	s.listLock.Lock()
	st.Live = len(s.coroutines)
	st.System = s.systemCount
	st.PooledCoroutines = len(s.pool.free)
	st.Launched = s.launched.Load()
	st.Terminated = s.terminated.Load()
	s.listLock.Unlock()

	st.Waiters = s.waiters.len()
	return st
}
