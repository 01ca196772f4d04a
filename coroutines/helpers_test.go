package coroutines_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kmrgirish/corosched/coroutines"
)

var strategies = []coroutines.Strategy{coroutines.StrategyStackful, coroutines.StrategyThreaded}

// forEachStrategy runs fn as a subtest per strategy. The subtest goroutine
// becomes the main coroutine of the manager fn creates.
func forEachStrategy(t *testing.T, fn func(t *testing.T, strategy coroutines.Strategy)) {
	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			fn(t, strategy)
		})
	}
}

// newManager creates a manager owned by the calling test goroutine and
// finalizes it when the test ends.
func newManager(t *testing.T, cfg coroutines.Config) coroutines.Manager {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m, err := coroutines.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Finalize(m.Main())
	})
	return m
}

func method(name string, fn func(co *coroutines.Coroutine) error) coroutines.Method {
	return coroutines.MethodFunc{
		MethodName: name,
		Fn: func(co *coroutines.Coroutine, args []any) (any, error) {
			return nil, fn(co)
		},
	}
}

// waitFor polls cond, sleeping main between checks so other coroutines of
// the main worker make progress.
func waitFor(t *testing.T, m coroutines.Manager, main *coroutines.Coroutine, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		m.Sleep(main, time.Millisecond)
	}
}

// exclusionObserver checks that a worker never runs two coroutines at once
// and remembers where every coroutine ran.
type exclusionObserver struct {
	mu         sync.Mutex
	running    map[coroutines.WorkerID]*coroutines.Coroutine
	ranOn      map[*coroutines.Coroutine]map[coroutines.WorkerID]bool
	final      map[*coroutines.Coroutine]coroutines.Status
	violations []string
}

func newExclusionObserver() *exclusionObserver {
	return &exclusionObserver{
		running: make(map[coroutines.WorkerID]*coroutines.Coroutine),
		ranOn:   make(map[*coroutines.Coroutine]map[coroutines.WorkerID]bool),
		final:   make(map[*coroutines.Coroutine]coroutines.Status),
	}
}

func (o *exclusionObserver) OnTransition(worker coroutines.WorkerID, co *coroutines.Coroutine, from, to coroutines.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case to == coroutines.StatusRunning:
		if other := o.running[worker]; other != nil && other != co {
			o.violations = append(o.violations, other.String()+" and "+co.String()+" on "+worker.String())
		}
		o.running[worker] = co
		if o.ranOn[co] == nil {
			o.ranOn[co] = make(map[coroutines.WorkerID]bool)
		}
		o.ranOn[co][worker] = true
	case from == coroutines.StatusRunning:
		if o.running[worker] == co {
			delete(o.running, worker)
		}
	}
	if to == coroutines.StatusFinished || to == coroutines.StatusTerminatedLoop {
		o.final[co] = to
	}
}

func (o *exclusionObserver) check(t *testing.T) {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Empty(t, o.violations)
}

func (o *exclusionObserver) workersOf(co *coroutines.Coroutine) map[coroutines.WorkerID]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	workers := make(map[coroutines.WorkerID]bool, len(o.ranOn[co]))
	for id := range o.ranOn[co] {
		workers[id] = true
	}
	return workers
}

func (o *exclusionObserver) finalStatus(co *coroutines.Coroutine) coroutines.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.final[co]
}
