/*
Package nemesis contains pre-built scenarios that disturb a running manager
to try and trigger rare scheduling bugs: workers disappearing under load,
bursts of migration, and stop-the-world pauses.

Scenarios run inside a coroutine of the manager they disturb. Launch starts
one as a mutator, so program completion waits for it.
*/
package nemesis

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kmrgirish/corosched/coroutines"
)

// A Scenario is a potentially challenging scenario that can be run against
// a manager to see if its coroutines keep behaving as expected.
type Scenario interface {
	Run(m coroutines.Manager, cur *coroutines.Coroutine) error
}

// Launch runs s in a new coroutine of m. The returned event happens when s
// is done and carries its error.
func Launch(m coroutines.Manager, cur *coroutines.Coroutine, s Scenario) (*coroutines.CompletionEvent, error) {
	ce := coroutines.NewCompletionEvent(m)
	err := m.Launch(cur, ce, coroutines.MethodFunc{
		MethodName: "nemesis",
		Fn: func(co *coroutines.Coroutine, _ []any) (any, error) {
			return nil, s.Run(m, co)
		},
	}, nil, coroutines.LaunchOptions{})
	if err != nil {
		return nil, err
	}
	return ce, nil
}

// Sleep is a scenario that simply sleeps.
type Sleep struct {
	Duration time.Duration
}

// Run implements Scenario.
func (s Sleep) Run(m coroutines.Manager, cur *coroutines.Coroutine) error {
	m.Sleep(cur, s.Duration)
	return nil
}

// ResizePool retires workers and starts replacements after a while, so
// coroutines get evacuated and placed on fresh worker ids.
type ResizePool struct {
	// Shrink workers are retired. Zero picks a random number between one and
	// the number of common workers.
	Shrink int
	// Grow workers are started after Downtime. Negative means as many as
	// were retired.
	Grow     int
	Downtime time.Duration
}

// Run implements Scenario.
func (r ResizePool) Run(m coroutines.Manager, cur *coroutines.Coroutine) error {
	before := m.ActiveWorkers()
	shrink := r.Shrink
	if shrink == 0 {
		// main and cur's worker are never retired
		if before <= 2 {
			return nil
		}
		shrink = 1 + rand.Intn(before-2)
	}

	m.Logger().Info("resize pool: retiring workers", "count", shrink, "active", before)
	if err := m.FinalizeWorkers(cur, shrink); err != nil {
		return fmt.Errorf("resize pool: %w", err)
	}
	retired := before - m.ActiveWorkers()

	m.Sleep(cur, r.Downtime)

	grow := r.Grow
	if grow < 0 {
		grow = retired
	}
	m.Logger().Info("resize pool: starting workers", "count", grow)
	if err := m.CreateWorkers(context.Background(), grow); err != nil {
		return fmt.Errorf("resize pool: %w", err)
	}
	return nil
}

// MigrationBurst triggers migration passes at a fixed interval.
type MigrationBurst struct {
	Count    int
	Interval time.Duration
}

// Run implements Scenario.
func (b MigrationBurst) Run(m coroutines.Manager, cur *coroutines.Coroutine) error {
	for range b.Count {
		m.TriggerMigration()
		m.Sleep(cur, b.Interval)
	}
	return nil
}

// StopTheWorld suspends every other coroutine at its next safepoint for
// Duration.
type StopTheWorld struct {
	Duration time.Duration
}

// Run implements Scenario.
func (s StopTheWorld) Run(m coroutines.Manager, cur *coroutines.Coroutine) error {
	m.Logger().Info("stop the world", "duration", s.Duration)
	m.SuspendAll(cur)
	m.Sleep(cur, s.Duration)
	m.ResumeAll(cur)
	return nil
}

type funcScenario func(m coroutines.Manager, cur *coroutines.Coroutine) error

func (f funcScenario) Run(m coroutines.Manager, cur *coroutines.Coroutine) error {
	return f(m, cur)
}

// Repeat repeats the given scenario a number of times.
func Repeat(scenario Scenario, times int) Scenario {
	return funcScenario(func(m coroutines.Manager, cur *coroutines.Coroutine) error {
		for range times {
			if err := scenario.Run(m, cur); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sequence runs the given scenarios in sequence.
func Sequence(scenarios ...Scenario) Scenario {
	return funcScenario(func(m coroutines.Manager, cur *coroutines.Coroutine) error {
		for _, s := range scenarios {
			if err := s.Run(m, cur); err != nil {
				return err
			}
		}
		return nil
	})
}

// Named returns a preset scenario by name, for the command line.
func Named(name string) (Scenario, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "resize":
		return Repeat(Sequence(
			Sleep{Duration: 2 * time.Millisecond},
			ResizePool{Grow: -1, Downtime: time.Millisecond},
		), 3), nil
	case "migrate":
		return MigrationBurst{Count: 20, Interval: 500 * time.Microsecond}, nil
	case "stop-the-world":
		return Repeat(Sequence(
			Sleep{Duration: time.Millisecond},
			StopTheWorld{Duration: time.Millisecond},
		), 3), nil
	default:
		return nil, fmt.Errorf("unknown scenario %q (known none,resize,migrate,stop-the-world)", name)
	}
}
