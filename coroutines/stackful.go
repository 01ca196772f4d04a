package coroutines

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// StackfulManager multiplexes fiber coroutines onto worker loops.
type StackfulManager struct {
	*scheduler
	monitor *migrationMonitor
}

// NewStackful creates a stackful manager and starts cfg.Workers workers. The
// calling goroutine becomes the main coroutine, attached to the main worker.
func NewStackful(cfg Config) (*StackfulManager, error) {
	cfg.Strategy = StrategyStackful
	s, err := newScheduler(cfg)
	if err != nil {
		return nil, err
	}
	m := &StackfulManager{scheduler: s}
	s.init(m, m)
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *StackfulManager) initialize() error {
	m.workersLock.Lock()
	id, ok := m.ids.allocIndex(MainWorkerIndex)
	if !ok {
		m.workersLock.Unlock()
		return fmt.Errorf("main worker: %w", ErrWorkerLimit)
	}
	w := newWorker(id, "main", LoopFiber, m.logger)
	w.main = true
	m.workers[id.Index()] = w
	m.mainWorker = w
	m.workersLock.Unlock()

	// worker loops read the monitor as soon as they idle
	if m.cfg.EnableMigration {
		m.monitor = newMigrationMonitor(m)
	}

	main := m.attach("main", w)
	m.main = main
	go m.runWorker(w, main)

	m.workersLock.Lock()
	err := m.waitWorkersLocked(context.Background(), func() bool { return w.started })
	m.workersLock.Unlock()
	if err != nil {
		return err
	}

	if err := m.CreateWorkers(context.Background(), m.cfg.Workers-1); err != nil {
		return err
	}
	if m.monitor != nil {
		m.monitor.start()
	}
	m.logger.Debug("stackful manager initialized", "workers", m.cfg.Workers, "limit", m.cfg.CoroutineLimit())
	return nil
}

// attach adopts the calling goroutine as an entrypointless coroutine running
// on w. The worker loop starts by waiting for it to suspend.
func (m *StackfulManager) attach(name string, w *Worker) *Coroutine {
	co := m.newCoroutine(name, TypeMutator, DefaultPriority, SingleWorkerMask(w.id), entrypoint{}, false)
	co.fiber.Attach()
	m.register(co)
	m.cfg.Listener.OnThreadStart(co)
	co.setWorker(w.id)
	w.owned.Add(1)
	w.mu.Lock()
	w.running = co
	w.mu.Unlock()
	m.setStatus(co, w.id, StatusRunning)
	return co
}

// runWorker is the scheduling loop of one worker.
func (m *StackfulManager) runWorker(w *Worker, attached *Coroutine) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loop := m.newCoroutine("loop-"+w.id.String(), TypeScheduleLoop, PriorityCritical, SingleWorkerMask(w.id), entrypoint{}, false)
	loop.setWorker(w.id)
	m.register(loop)
	m.cfg.Listener.OnThreadStart(loop)

	m.workersLock.Lock()
	w.loop = loop
	m.activateWorkerLocked(w)
	m.workersLock.Unlock()

	if attached != nil {
		attached.fiber.Wait()
		m.run(w, m.afterSwitch(w, attached))
	}
	for {
		co := m.nextRunnable(w)
		if co == nil {
			if m.retireWorker(w) {
				return
			}
			continue
		}
		m.run(w, co)
	}
}

// run resumes co and whatever it switches to directly.
func (m *StackfulManager) run(w *Worker, co *Coroutine) {
	for co != nil {
		w.migrationRequested.Store(false)
		m.setStatus(co, w.id, StatusRunning)
		w.switches.Add(1)
		co.fiber.Next()
		co = m.afterSwitch(w, co)
	}
}

// nextRunnable pops the next coroutine to run, waiting while the worker is
// idle. It returns nil once the worker is inactive and owns nothing.
func (m *StackfulManager) nextRunnable(w *Worker) *Coroutine {
	w.mu.Lock()
	for {
		now := time.Now()
		for _, t := range w.timers.expired(now) {
			t.co.timer = nil
			m.setStatus(t.co, w.id, StatusRunnable)
			w.queue.push(t.co)
		}
		if co := w.queue.pop(); co != nil {
			w.running = co
			w.mu.Unlock()
			return co
		}
		if !w.active.Load() && w.owned.Load() == 0 {
			w.mu.Unlock()
			return nil
		}

		var timerC <-chan time.Time
		if w.timers.len() > 0 {
			d := w.timers.peek().when.Sub(now)
			if w.idleTimer == nil {
				w.idleTimer = time.NewTimer(d)
			} else {
				w.idleTimer.Reset(d)
			}
			timerC = w.idleTimer.C
		}
		w.mu.Unlock()

		m.requestMigration(w)
		select {
		case <-w.wake:
		case <-timerC:
		}
		w.mu.Lock()
	}
}

// afterSwitch handles the suspend point co stopped at and returns the
// coroutine to run next without a scheduling decision, if any.
func (m *StackfulManager) afterSwitch(w *Worker, co *Coroutine) *Coroutine {
	point := co.park
	co.park = suspendNone
	switch point {
	case suspendYield:
		w.mu.Lock()
		w.running = nil
		m.setStatus(co, w.id, StatusRunnable)
		w.queue.push(co)
		w.mu.Unlock()

	case suspendAwait:
		ev := co.parkEv
		co.parkEv = nil
		m.setStatus(co, w.id, co.parkStatus)
		w.mu.Lock()
		w.running = nil
		w.mu.Unlock()
		m.waiters.add(ev, co.id)
		ev.Unlock()

	case suspendSleep:
		t := &sleepTimer{when: co.wakeAt, co: co, pos: -1}
		w.mu.Lock()
		w.running = nil
		m.setStatus(co, w.id, StatusWaiting)
		co.timer = t
		w.timers.add(t)
		w.mu.Unlock()

	case suspendSwitch:
		next := co.switchTo
		co.switchTo = nil
		w.mu.Lock()
		m.setStatus(co, w.id, StatusRunnable)
		w.queue.pushFront(co)
		w.running = next
		w.mu.Unlock()
		return next

	case suspendExit:
		w.mu.Lock()
		w.running = nil
		w.mu.Unlock()
		w.owned.Add(-1)
		w.completed.Add(1)
		m.recycle(co)

	case suspendDetach:
		w.mu.Lock()
		w.running = nil
		w.mu.Unlock()
		w.owned.Add(-1)

	default:
		panic(fmt.Sprintf("%s switched out without a suspend point", co))
	}
	return nil
}

func (m *StackfulManager) start(co *Coroutine) {
	co.fiber.Start(func() { m.entrypoint(co) })
}

// entrypoint runs on the coroutine's own goroutine.
func (m *StackfulManager) entrypoint(co *Coroutine) {
	defer func() {
		co.park = suspendExit
		co.fiber.Finish()
	}()
	defer m.exitpoint(co)

	// wait for the first resume
	co.fiber.Yield()
	if co.aborted.Load() {
		runtime.Goexit()
	}
	m.invoke(co)
}

// suspend switches from cur back to its worker loop.
func (m *StackfulManager) suspend(cur *Coroutine, point suspendPoint) {
	if !cur.fiber.Attached() {
		panic(fmt.Sprintf("%s is not running on a worker", cur))
	}
	cur.park = point
	cur.fiber.Yield()
	if cur.aborted.Load() && cur.hasEntrypoint() {
		runtime.Goexit()
	}
}

func (m *StackfulManager) enqueue(w *Worker, co *Coroutine) {
	w.mu.Lock()
	m.setStatus(co, w.id, StatusRunnable)
	w.queue.push(co)
	w.mu.Unlock()
	w.poke()
}

func (m *StackfulManager) awaitAs(cur *Coroutine, ev *CoroutineEvent, status Status) {
	ev.Lock()
	if ev.happened {
		ev.Unlock()
		return
	}
	if cur.aborted.Load() && cur.hasEntrypoint() {
		ev.Unlock()
		runtime.Goexit()
	}
	// the worker registers the waiter and releases the event lock
	cur.parkEv = ev
	cur.parkStatus = status
	m.suspend(cur, suspendAwait)
}

// Schedule yields cur to the other runnable coroutines of its worker.
func (m *StackfulManager) Schedule(cur *Coroutine) {
	m.suspend(cur, suspendYield)
}

// Sleep parks cur on its worker's timer heap for d.
func (m *StackfulManager) Sleep(cur *Coroutine, d time.Duration) {
	if d <= 0 {
		m.Schedule(cur)
		return
	}
	cur.wakeAt = time.Now().Add(d)
	m.suspend(cur, suspendSleep)
}

func (m *StackfulManager) interrupt(co *Coroutine) {
	w := m.workerLocked(co.Worker())
	if w == nil {
		return
	}
	w.mu.Lock()
	if t := co.timer; t != nil {
		w.timers.remove(t)
		co.timer = nil
		m.setStatus(co, w.id, StatusRunnable)
		w.queue.push(co)
	}
	w.mu.Unlock()
	w.poke()
}

func (m *StackfulManager) evacuateSleepers(w *Worker) {
	w.mu.Lock()
	moved := w.timers.removeFunc(func(t *sleepTimer) bool {
		_, pinned := t.co.affinity.Pinned()
		return !pinned
	})
	w.mu.Unlock()
	for _, t := range moved {
		dst := m.chooseWorkerLocked(LeastLoaded, t.co.affinity, func(other *Worker) bool { return other != w })
		if dst == nil {
			w.mu.Lock()
			w.timers.add(t)
			w.mu.Unlock()
			continue
		}
		m.transferLocked(t.co, w, dst)
		dst.mu.Lock()
		dst.timers.add(t)
		dst.mu.Unlock()
		dst.poke()
	}
}

// LaunchImmediately creates a coroutine pinned to cur's worker and switches
// to it at once.
func (m *StackfulManager) LaunchImmediately(cur *Coroutine, ce *CompletionEvent, method Method, args []any, opts LaunchOptions) error {
	opts.Mode = LaunchSameWorker
	req := managedRequest(ce, method, args, opts)
	req.mask = m.ComputeAffinityMask(cur, LaunchSameWorker)
	req.noPlace = true
	co, err := m.launch(req)
	if err != nil {
		return err
	}
	cur.switchTo = co
	m.suspend(cur, suspendSwitch)
	return nil
}

// CreateWorkers starts n more common workers and waits until they are
// active.
func (m *StackfulManager) CreateWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	m.workersLock.Lock()
	defer m.workersLock.Unlock()
	if m.shutdown.Load() {
		return ErrShutdown
	}

	var created []*Worker
	var err error
	for i := 0; i < n; i++ {
		id, ok := m.ids.alloc()
		if !ok {
			err = fmt.Errorf("create %d workers: %w", n, ErrWorkerLimit)
			break
		}
		w := newWorker(id, fmt.Sprintf("worker-%d", id.Index()), LoopFiber, m.logger)
		m.workers[id.Index()] = w
		created = append(created, w)
		go m.runWorker(w, nil)
	}

	if werr := m.waitWorkersLocked(ctx, func() bool {
		for _, w := range created {
			if !w.started {
				return false
			}
		}
		return true
	}); werr != nil {
		return werr
	}
	return err
}

// CreateExclusiveWorkerForThread turns the calling goroutine into the only
// coroutine of a new exclusive worker. Placement and migration never pick
// that worker; coroutines reach it only through LaunchSameWorker.
func (m *StackfulManager) CreateExclusiveWorkerForThread() (*Coroutine, error) {
	m.workersLock.Lock()
	if m.shutdown.Load() {
		m.workersLock.Unlock()
		return nil, ErrShutdown
	}
	if m.exclusiveWorkers >= m.cfg.MaxExclusiveWorkers {
		m.workersLock.Unlock()
		return nil, ErrExclusiveLimit
	}
	id, ok := m.ids.alloc()
	if !ok {
		m.workersLock.Unlock()
		return nil, ErrWorkerLimit
	}
	w := newWorker(id, fmt.Sprintf("exclusive-%d", id.Index()), LoopFiber, m.logger)
	w.exclusive = true
	m.workers[id.Index()] = w
	m.exclusiveWorkers++
	m.workersLock.Unlock()

	runtime.LockOSThread()
	co := m.attach(w.name, w)
	go m.runWorker(w, co)

	m.workersLock.Lock()
	defer m.workersLock.Unlock()
	if err := m.waitWorkersLocked(context.Background(), func() bool { return w.started }); err != nil {
		return nil, err
	}
	return co, nil
}

// DestroyExclusiveWorker waits for the coroutines pinned to cur's exclusive
// worker, shuts the worker down and releases the calling goroutine.
func (m *StackfulManager) DestroyExclusiveWorker(cur *Coroutine) error {
	w := m.Worker(cur.Worker())
	if w == nil || !w.exclusive {
		panic(fmt.Sprintf("%s is not running on an exclusive worker", cur))
	}
	for {
		m.workersLock.Lock()
		if w.owned.Load() <= 1 {
			w.active.Store(false)
			m.workersLock.Unlock()
			break
		}
		m.workersLock.Unlock()
		m.Sleep(cur, drainPollInterval)
	}

	m.TerminateCoroutine(cur)
	m.detach(cur, w)
	runtime.UnlockOSThread()
	return nil
}

// detach hands an attached coroutine's worker back to its loop for good and
// waits for the loop to exit.
func (m *StackfulManager) detach(co *Coroutine, w *Worker) {
	co.park = suspendDetach
	co.fiber.Release()
	<-w.done
}

// TriggerMigration asks the monitor for an inward migration pass.
func (m *StackfulManager) TriggerMigration() {
	if m.monitor != nil {
		m.monitor.trigger()
	}
}

// StopManagerThread stops the migration monitor and waits for it. Calling it
// again does nothing.
func (m *StackfulManager) StopManagerThread() {
	if m.monitor != nil {
		m.monitor.shutdown()
	}
}

func (m *StackfulManager) requestMigration(w *Worker) {
	if m.monitor == nil || w.exclusive || w.disabled.Load() || !w.active.Load() {
		return
	}
	if !w.migrationRequested.Swap(true) {
		m.monitor.trigger()
	}
}

// Finalize aborts every remaining coroutine, retires all workers and
// detaches main from the main worker. Only the first call does anything.
func (m *StackfulManager) Finalize(main *Coroutine) error {
	if !m.finalized.CompareAndSwap(false, true) {
		return m.Err()
	}
	m.StopManagerThread()
	m.shutdown.Store(true)
	m.drain(main)

	m.workersLock.Lock()
	n := 0
	for _, w := range m.workers {
		if w != nil && !w.exited && !w.main && !w.exclusive {
			n++
		}
	}
	exclusive := m.exclusiveWorkers
	m.workersLock.Unlock()
	if err := m.FinalizeWorkers(main, n); err != nil {
		return err
	}
	if exclusive > 0 {
		m.logger.Warn("exclusive workers still running at shutdown", "count", exclusive)
	}

	w := m.mainWorker
	m.workersLock.Lock()
	w.active.Store(false)
	m.workersLock.Unlock()
	m.TerminateCoroutine(main)
	m.detach(main, w)

	m.listLock.Lock()
	m.pool.drain()
	m.listLock.Unlock()
	m.logger.Debug("stackful manager finalized", "launched", m.launched.Load(), "terminated", m.terminated.Load())
	return m.Err()
}
