package coroutines

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ThreadedManager runs every coroutine on a goroutine locked to an OS thread
// of its own. Each worker has a single running slot; the coroutine holding
// it runs, all others of that worker wait on their resume channel. Every
// switch happens under the worker-set lock, which doubles as the switch
// lock.
type ThreadedManager struct {
	*scheduler
}

// NewThreaded creates a threaded manager with cfg.Workers workers. The
// calling goroutine becomes the main coroutine and holds the main worker's
// slot.
func NewThreaded(cfg Config) (*ThreadedManager, error) {
	cfg.Strategy = StrategyThreaded
	s, err := newScheduler(cfg)
	if err != nil {
		return nil, err
	}
	m := &ThreadedManager{scheduler: s}
	s.init(m, m)
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ThreadedManager) initialize() error {
	m.workersLock.Lock()
	id, ok := m.ids.allocIndex(MainWorkerIndex)
	if !ok {
		m.workersLock.Unlock()
		return fmt.Errorf("main worker: %w", ErrWorkerLimit)
	}
	w := newWorker(id, "main", LoopThread, m.logger)
	w.main = true
	m.workers[id.Index()] = w
	m.mainWorker = w
	m.activateWorkerLocked(w)
	m.workersLock.Unlock()

	main := m.newCoroutine("main", TypeMutator, DefaultPriority, SingleWorkerMask(id), entrypoint{}, false)
	main.resumeCh = make(chan struct{}, 1)
	main.interrupt = make(chan struct{}, 1)
	m.register(main)
	m.cfg.Listener.OnThreadStart(main)
	main.setWorker(id)
	w.owned.Add(1)
	w.mu.Lock()
	w.running = main
	w.mu.Unlock()
	m.setStatus(main, id, StatusRunning)
	m.main = main

	if err := m.CreateWorkers(context.Background(), m.cfg.Workers-1); err != nil {
		return err
	}
	m.logger.Debug("threaded manager initialized", "workers", m.cfg.Workers, "limit", m.cfg.CoroutineLimit())
	return nil
}

// CreateWorkers adds n workers. Threaded workers have no loop of their own,
// so they are active as soon as they exist.
func (m *ThreadedManager) CreateWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.workersLock.Lock()
	defer m.workersLock.Unlock()
	if m.shutdown.Load() {
		return ErrShutdown
	}
	for i := 0; i < n; i++ {
		id, ok := m.ids.alloc()
		if !ok {
			return fmt.Errorf("create %d workers: %w", n, ErrWorkerLimit)
		}
		w := newWorker(id, fmt.Sprintf("worker-%d", id.Index()), LoopThread, m.logger)
		m.workers[id.Index()] = w
		m.activateWorkerLocked(w)
	}
	return nil
}

func (m *ThreadedManager) start(co *Coroutine) {
	co.resumeCh = make(chan struct{}, 1)
	co.interrupt = make(chan struct{}, 1)
	go m.threadMain(co)
}

// threadMain is the body of a coroutine's thread.
func (m *ThreadedManager) threadMain(co *Coroutine) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer m.threadExit(co)
	defer m.exitpoint(co)

	m.waitResume(co)
	m.invoke(co)
}

// threadExit gives up the running slot of a terminated coroutine and
// retires its worker if that was the last thing keeping it.
func (m *ThreadedManager) threadExit(co *Coroutine) {
	m.workersLock.Lock()
	w := m.workerLocked(co.Worker())
	retire := false
	if w != nil {
		w.owned.Add(-1)
		w.completed.Add(1)
		if w.isRunning(co) {
			m.releaseSlotLocked(w)
		}
		retire = !w.active.Load() && w.owned.Load() == 0
	}
	m.workersLock.Unlock()
	m.recycle(co)
	if retire {
		m.retireWorker(w)
	}
}

// waitResume blocks until cur holds its worker's slot again.
func (m *ThreadedManager) waitResume(cur *Coroutine) {
	<-cur.resumeCh
	if cur.aborted.Load() && cur.hasEntrypoint() {
		runtime.Goexit()
	}
}

// grantLocked hands w's slot to co. Worker-set lock held, slot free.
func (m *ThreadedManager) grantLocked(w *Worker, co *Coroutine) {
	m.setStatus(co, w.id, StatusRunning)
	w.switches.Add(1)
	co.resumeCh <- struct{}{}
}

// releaseSlotLocked passes w's slot to the next queued coroutine.
func (m *ThreadedManager) releaseSlotLocked(w *Worker) {
	w.mu.Lock()
	next := w.queue.pop()
	w.running = next
	w.mu.Unlock()
	if next != nil {
		m.grantLocked(w, next)
	}
}

func (m *ThreadedManager) enqueue(w *Worker, co *Coroutine) {
	w.mu.Lock()
	if w.running == nil {
		w.running = co
		w.mu.Unlock()
		m.grantLocked(w, co)
		return
	}
	m.setStatus(co, w.id, StatusRunnable)
	w.queue.push(co)
	w.mu.Unlock()
}

// ownerLocked returns the worker whose slot cur holds.
func (m *ThreadedManager) ownerLocked(cur *Coroutine) *Worker {
	w := m.workerLocked(cur.Worker())
	if w == nil || !w.isRunning(cur) {
		panic(fmt.Sprintf("%s does not hold a running slot", cur))
	}
	return w
}

func (m *ThreadedManager) awaitAs(cur *Coroutine, ev *CoroutineEvent, status Status) {
	ev.Lock()
	if ev.happened {
		ev.Unlock()
		return
	}
	if cur.aborted.Load() && cur.hasEntrypoint() {
		ev.Unlock()
		runtime.Goexit()
	}
	m.setStatus(cur, cur.Worker(), status)
	m.waiters.add(ev, cur.id)
	ev.Unlock()

	// a wakeup from here on queues cur behind its own slot, so releasing
	// the slot may hand it straight back
	m.workersLock.Lock()
	m.releaseSlotLocked(m.ownerLocked(cur))
	m.workersLock.Unlock()
	m.waitResume(cur)
}

// Schedule passes the slot on if another coroutine of the worker is queued.
func (m *ThreadedManager) Schedule(cur *Coroutine) {
	m.workersLock.Lock()
	w := m.ownerLocked(cur)
	if w.queued() == 0 {
		m.workersLock.Unlock()
		return
	}
	m.setStatus(cur, w.id, StatusRunnable)
	w.mu.Lock()
	w.queue.push(cur)
	w.mu.Unlock()
	m.releaseSlotLocked(w)
	m.workersLock.Unlock()
	m.waitResume(cur)
}

// Sleep releases the slot for d, then queues cur again.
func (m *ThreadedManager) Sleep(cur *Coroutine, d time.Duration) {
	if d <= 0 {
		m.Schedule(cur)
		return
	}
	m.workersLock.Lock()
	w := m.ownerLocked(cur)
	m.setStatus(cur, w.id, StatusWaiting)
	m.releaseSlotLocked(w)
	m.workersLock.Unlock()

	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-cur.interrupt:
		t.Stop()
	}

	m.workersLock.Lock()
	m.makeRunnableLocked(cur)
	m.workersLock.Unlock()
	m.waitResume(cur)
}

func (m *ThreadedManager) interrupt(co *Coroutine) {
	if co.Status() != StatusWaiting {
		return
	}
	select {
	case co.interrupt <- struct{}{}:
	default:
	}
}

func (m *ThreadedManager) evacuateSleepers(w *Worker) {
	m.listLock.Lock()
	var sleepers []*Coroutine
	for _, co := range m.coroutines {
		if co.Worker() == w.id && co.Status() == StatusWaiting && migratable(co) {
			sleepers = append(sleepers, co)
		}
	}
	m.listLock.Unlock()
	for _, co := range sleepers {
		if dst := m.chooseWorkerLocked(LeastLoaded, co.affinity, func(other *Worker) bool { return other != w }); dst != nil {
			m.transferLocked(co, w, dst)
		}
	}
}

// LaunchImmediately hands cur's slot straight to the new coroutine and
// queues cur in front of everything of its priority.
func (m *ThreadedManager) LaunchImmediately(cur *Coroutine, ce *CompletionEvent, method Method, args []any, opts LaunchOptions) error {
	opts.Mode = LaunchSameWorker
	req := managedRequest(ce, method, args, opts)
	req.mask = m.ComputeAffinityMask(cur, LaunchSameWorker)
	req.noPlace = true
	co, err := m.launch(req)
	if err != nil {
		return err
	}

	m.workersLock.Lock()
	w := m.ownerLocked(cur)
	m.setStatus(cur, w.id, StatusRunnable)
	w.mu.Lock()
	w.queue.pushFront(cur)
	w.running = co
	w.mu.Unlock()
	m.grantLocked(w, co)
	m.workersLock.Unlock()
	m.waitResume(cur)
	return nil
}

func (m *ThreadedManager) CreateExclusiveWorkerForThread() (*Coroutine, error) {
	return nil, fmt.Errorf("exclusive worker: %w", ErrNotSupported)
}

func (m *ThreadedManager) DestroyExclusiveWorker(cur *Coroutine) error {
	return fmt.Errorf("exclusive worker: %w", ErrNotSupported)
}

// TriggerMigration does nothing: threaded workers never migrate.
func (m *ThreadedManager) TriggerMigration() {}

// StopManagerThread does nothing: there is no monitor.
func (m *ThreadedManager) StopManagerThread() {}

// Finalize aborts every remaining coroutine, retires all workers and gives
// up main's slot. Only the first call does anything.
func (m *ThreadedManager) Finalize(main *Coroutine) error {
	if !m.finalized.CompareAndSwap(false, true) {
		return m.Err()
	}
	m.shutdown.Store(true)
	m.drain(main)

	m.workersLock.Lock()
	n := 0
	for _, w := range m.workers {
		if w != nil && !w.exited && !w.main {
			n++
		}
	}
	m.workersLock.Unlock()
	if err := m.FinalizeWorkers(main, n); err != nil {
		return err
	}

	w := m.mainWorker
	m.workersLock.Lock()
	w.active.Store(false)
	m.workersLock.Unlock()
	m.TerminateCoroutine(main)

	m.workersLock.Lock()
	w.owned.Add(-1)
	m.releaseSlotLocked(w)
	m.workersLock.Unlock()
	m.retireWorker(w)

	m.listLock.Lock()
	m.pool.drain()
	m.listLock.Unlock()
	m.logger.Debug("threaded manager finalized", "launched", m.launched.Load(), "terminated", m.terminated.Load())
	return m.Err()
}
