package corosched

import (
	"errors"
	"fmt"
	"time"

	"github.com/kmrgirish/corosched/coroutines"
	"github.com/kmrgirish/corosched/nemesis"
)

// Run creates a manager for cfg with the calling goroutine as its main
// coroutine and calls body. Once body returns, Run waits for every other
// mutator coroutine to finish and shuts the manager down. If body fails,
// remaining coroutines are aborted instead.
//
// The error is body's error, or the manager's abort error.
func Run(cfg coroutines.Config, body func(m coroutines.Manager, main *coroutines.Coroutine) error) error {
	m, err := coroutines.New(cfg)
	if err != nil {
		return err
	}
	main := m.Main()

	defer func() {
		if r := recover(); r != nil {
			m.Finalize(main)
			panic(r)
		}
	}()

	if err := body(m, main); err != nil {
		return errors.Join(err, m.Finalize(main))
	}
	return m.MainCoroutineCompleted(main)
}

// A Workload is a synthetic program: Tasks coroutines that each pass Steps
// suspension points, alternating between yielding and sleeping, and launch
// Fanout children on their own worker.
type Workload struct {
	Tasks  int
	Steps  int
	Sleep  time.Duration
	Fanout int
	// Immediate launches the first child of every task with
	// LaunchImmediately.
	Immediate bool
	Priority  coroutines.Priority

	// Scenario, if set, disturbs the manager while the tasks run.
	Scenario nemesis.Scenario
}

// Result summarizes a finished workload.
type Result struct {
	// Checksum is the number of suspension points passed by all tasks and
	// children; it only depends on the workload.
	Checksum int
	Duration time.Duration
	Stats    coroutines.Stats
}

// Expected returns the checksum a correct run of w produces.
func (w Workload) Expected() int {
	return w.Tasks * (1 + w.Fanout) * w.Steps
}

func (w Workload) step(m coroutines.Manager, co *coroutines.Coroutine) int {
	for i := 0; i < w.Steps; i++ {
		m.Safepoint(co)
		if i%2 == 1 && w.Sleep > 0 {
			m.Sleep(co, w.Sleep)
		} else {
			m.Schedule(co)
		}
	}
	return w.Steps
}

func (w Workload) child(m coroutines.Manager) coroutines.Method {
	return coroutines.MethodFunc{
		MethodName: "child",
		Fn: func(co *coroutines.Coroutine, _ []any) (any, error) {
			return w.step(m, co), nil
		},
	}
}

func (w Workload) task(m coroutines.Manager) coroutines.Method {
	return coroutines.MethodFunc{
		MethodName: "task",
		Fn: func(co *coroutines.Coroutine, _ []any) (any, error) {
			var children []*coroutines.CompletionEvent
			for i := 0; i < w.Fanout; i++ {
				ce := coroutines.NewCompletionEvent(m)
				opts := coroutines.LaunchOptions{Mode: coroutines.LaunchSameWorker, Priority: w.Priority}
				var err error
				if i == 0 && w.Immediate {
					err = m.LaunchImmediately(co, ce, w.child(m), nil, opts)
				} else {
					err = m.Launch(co, ce, w.child(m), nil, opts)
				}
				if err != nil {
					return nil, err
				}
				children = append(children, ce)
			}
			sum := w.step(m, co)
			for _, ce := range children {
				m.Await(co, ce)
				res, err := ce.Result()
				if err != nil {
					return nil, err
				}
				sum += res.(int)
			}
			return sum, nil
		},
	}
}

// Run runs w on m from main and waits for all of its tasks.
func (w Workload) Run(m coroutines.Manager, main *coroutines.Coroutine) (Result, error) {
	start := time.Now()

	var scenario *coroutines.CompletionEvent
	if w.Scenario != nil {
		ce, err := nemesis.Launch(m, main, w.Scenario)
		if err != nil {
			return Result{}, err
		}
		scenario = ce
	}

	tasks := make([]*coroutines.CompletionEvent, 0, w.Tasks)
	for i := 0; i < w.Tasks; i++ {
		ce := coroutines.NewCompletionEvent(m)
		if err := m.Launch(main, ce, w.task(m), nil, coroutines.LaunchOptions{Priority: w.Priority}); err != nil {
			return Result{}, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, ce)
	}

	var res Result
	var errs []error
	for _, ce := range tasks {
		m.Await(main, ce)
		v, err := ce.Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Checksum += v.(int)
	}
	if scenario != nil {
		m.Await(main, scenario)
		if _, err := scenario.Result(); err != nil {
			errs = append(errs, fmt.Errorf("scenario: %w", err))
		}
	}
	res.Duration = time.Since(start)
	res.Stats = m.Stats()
	return res, errors.Join(errs...)
}
