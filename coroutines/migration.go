package coroutines

import (
	"sync"
	"sync/atomic"
	"time"
)

// migrationMonitor is the background goroutine that rebalances queued
// coroutines between stackful workers.
type migrationMonitor struct {
	m        *StackfulManager
	interval time.Duration

	// requested counts pending inward migrations
	requested atomic.Int64
	wake      chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// newMigrationMonitor builds a monitor that collects requests but does not
// act on them until start.
func newMigrationMonitor(m *StackfulManager) *migrationMonitor {
	return &migrationMonitor{
		m:        m,
		interval: m.cfg.MigrationInterval,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (mm *migrationMonitor) start() {
	if mm.started.CompareAndSwap(false, true) {
		go mm.run()
	}
}

func (mm *migrationMonitor) trigger() {
	mm.requested.Add(1)
	select {
	case mm.wake <- struct{}{}:
	default:
	}
}

func (mm *migrationMonitor) shutdown() {
	mm.stopOnce.Do(func() { close(mm.stop) })
	if mm.started.Load() {
		<-mm.done
	}
}

func (mm *migrationMonitor) run() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			return
		case <-ticker.C:
			mm.migrateOutward()
			mm.migrateInward()
		case <-mm.wake:
			mm.migrateInward()
		}
	}
}

// migrateOutward empties the queues of blocked workers: a worker is blocked
// when it has queued work but has not switched since the previous scan.
func (mm *migrationMonitor) migrateOutward() {
	m := mm.m
	m.workersLock.Lock()
	defer m.workersLock.Unlock()
	for _, w := range m.workers {
		if w == nil || w.exited || !w.active.Load() || w.main || w.exclusive || w.disabled.Load() {
			continue
		}
		switches := w.switches.Load()
		blocked := switches == w.lastSwitches && w.queued() > 0
		w.lastSwitches = switches
		if !blocked {
			continue
		}
		if n := mm.moveLocked(w, nil, -1); n > 0 && m.trace.migrate {
			w.log.Debug("migrated outward", "count", n)
		}
	}
}

// migrateInward moves one queued coroutine from the most loaded worker to an
// idle one per pending request.
func (mm *migrationMonitor) migrateInward() {
	for mm.requested.Load() > 0 {
		if !mm.migrateOneInward() {
			mm.requested.Store(0)
			return
		}
		mm.requested.Add(-1)
	}
}

func (mm *migrationMonitor) migrateOneInward() bool {
	m := mm.m
	m.workersLock.Lock()
	defer m.workersLock.Unlock()

	dst := m.chooseWorkerLocked(LeastLoaded, FullMask(), (*Worker).idle)
	if dst == nil {
		return false
	}
	src := m.chooseWorkerLocked(MostLoaded, FullMask(), func(w *Worker) bool {
		return w != dst && w.hasMigratable(dst)
	})
	if src == nil {
		return false
	}
	n := mm.moveLocked(src, dst, 1)
	if n > 0 && m.trace.migrate {
		m.logger.Debug("migrated inward", "from", src.id.String(), "to", dst.id.String())
	}
	return n > 0
}

// migratable reports whether co may leave its worker at all.
func migratable(co *Coroutine) bool {
	_, pinned := co.affinity.Pinned()
	return !pinned
}

func (w *Worker) hasMigratable(dst *Worker) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, co := range w.queue.entries {
		if migratable(co) && co.affinity.Allows(dst.id) {
			return true
		}
	}
	return false
}

// moveLocked moves up to max queued coroutines off src, to dst or, if dst is
// nil, each to the least loaded worker its mask allows. Running coroutines
// are never in the queue, so they never move. Worker-set lock held.
func (mm *migrationMonitor) moveLocked(src, dst *Worker, max int) int {
	m := mm.m
	notSrc := func(w *Worker) bool { return w != src }
	src.mu.Lock()
	taken := src.queue.takeFunc(max, func(co *Coroutine) bool {
		if !migratable(co) {
			return false
		}
		if dst != nil {
			return co.affinity.Allows(dst.id)
		}
		return m.chooseWorkerLocked(LeastLoaded, co.affinity, notSrc) != nil
	})
	src.mu.Unlock()
	for _, co := range taken {
		target := dst
		if target == nil {
			target = m.chooseWorkerLocked(LeastLoaded, co.affinity, notSrc)
		}
		m.transferLocked(co, src, target)
		m.enqueue(target, co)
	}
	return len(taken)
}
