package nemesis_test

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kmrgirish/corosched/coroutines"
	"github.com/kmrgirish/corosched/nemesis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runUnder runs a small workload of sleeping, yielding coroutines while
// scenario disturbs the manager, and checks that all of them finish.
func runUnder(t *testing.T, strategy coroutines.Strategy, scenario nemesis.Scenario) {
	m, err := coroutines.New(coroutines.Config{
		Strategy:          strategy,
		Workers:           4,
		EnableMigration:   true,
		MigrationInterval: time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	main := m.Main()
	defer m.Finalize(main)

	const tasks = 40
	var finished atomic.Int32
	for i := 0; i < tasks; i++ {
		err := m.Launch(main, nil, coroutines.MethodFunc{
			MethodName: "task",
			Fn: func(co *coroutines.Coroutine, _ []any) (any, error) {
				for j := 0; j < 10; j++ {
					m.Safepoint(co)
					if j%3 == 0 {
						m.Sleep(co, 200*time.Microsecond)
					} else {
						m.Schedule(co)
					}
				}
				finished.Add(1)
				return nil, nil
			},
		}, nil, coroutines.LaunchOptions{})
		if err != nil {
			t.Fatal(err)
		}
	}

	ce, err := nemesis.Launch(m, main, scenario)
	if err != nil {
		t.Fatal(err)
	}
	m.Await(main, ce)
	if _, err := ce.Result(); err != nil {
		t.Errorf("scenario failed: %v", err)
	}

	if err := m.MainCoroutineCompleted(main); err != nil {
		t.Fatal(err)
	}
	if n := finished.Load(); n != tasks {
		t.Errorf("expected %d finished tasks, got %d", tasks, n)
	}
	st := m.Stats()
	if st.Launched != st.Terminated {
		t.Errorf("launched %d, terminated %d", st.Launched, st.Terminated)
	}
}

func TestScenarios(t *testing.T) {
	scenarios := map[string]nemesis.Scenario{
		"sleep":         nemesis.Sleep{Duration: time.Millisecond},
		"resize":        nemesis.ResizePool{Shrink: 2, Grow: -1, Downtime: time.Millisecond},
		"random-resize": nemesis.Repeat(nemesis.ResizePool{Grow: -1}, 3),
		"migrate":       nemesis.MigrationBurst{Count: 10, Interval: 100 * time.Microsecond},
		"stop-the-world": nemesis.Sequence(
			nemesis.Sleep{Duration: 500 * time.Microsecond},
			nemesis.StopTheWorld{Duration: 2 * time.Millisecond},
		),
	}
	for _, strategy := range []coroutines.Strategy{coroutines.StrategyStackful, coroutines.StrategyThreaded} {
		for name, scenario := range scenarios {
			t.Run(strategy.String()+"/"+name, func(t *testing.T) {
				runUnder(t, strategy, scenario)
			})
		}
	}
}

func TestResizeRestoresWorkers(t *testing.T) {
	m, err := coroutines.New(coroutines.Config{
		Workers: 5,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	main := m.Main()
	defer m.Finalize(main)

	if err := (nemesis.ResizePool{Shrink: 3}).Run(m, main); err != nil {
		t.Fatal(err)
	}
	if n := m.ActiveWorkers(); n != 2 {
		t.Errorf("expected 2 active workers, got %d", n)
	}
	if err := (nemesis.ResizePool{Shrink: 1, Grow: 4}).Run(m, main); err != nil {
		t.Fatal(err)
	}
	if n := m.ActiveWorkers(); n != 5 {
		t.Errorf("expected 5 active workers, got %d", n)
	}
}

func TestNamed(t *testing.T) {
	for _, name := range []string{"none", "resize", "migrate", "stop-the-world"} {
		if _, err := nemesis.Named(name); err != nil {
			t.Errorf("Named(%q): %v", name, err)
		}
	}
	if s, _ := nemesis.Named(""); s != nil {
		t.Error("empty name should select no scenario")
	}
	if _, err := nemesis.Named("meteor"); err == nil {
		t.Error("expected error for unknown scenario")
	}
}
