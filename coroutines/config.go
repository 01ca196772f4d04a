package coroutines

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Strategy selects how coroutines are mapped onto OS threads.
type Strategy uint8

const (
	// StrategyStackful multiplexes many fibers onto a small pool of worker
	// threads (M:N) and migrates work between them.
	StrategyStackful Strategy = iota
	// StrategyThreaded runs every coroutine on a thread of its own (1:1) and
	// serializes them per worker with a running slot.
	StrategyThreaded
)

func (s Strategy) String() string {
	switch s {
	case StrategyStackful:
		return "stackful"
	case StrategyThreaded:
		return "threaded"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "stackful", "":
		return StrategyStackful, nil
	case "threaded":
		return StrategyThreaded, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q (known stackful,threaded)", s)
	}
}

func ParsePolicy(s string) (SchedulingPolicy, error) {
	switch strings.ToLower(s) {
	case "any-worker", "any", "":
		return PolicyAnyWorker, nil
	case "non-main-worker", "non-main":
		return PolicyNonMainWorker, nil
	default:
		return 0, fmt.Errorf("unknown scheduling policy %q (known any-worker,non-main-worker)", s)
	}
}

// WorkersAuto asks for a worker count derived from the hardware concurrency.
const WorkersAuto = 0

const (
	defaultStackSizePages      = 64
	defaultStackBudget         = 1 << 30
	defaultMigrationInterval   = 5 * time.Millisecond
	defaultMaxExclusiveWorkers = 4
)

// Config configures a manager. The zero value is valid: a stackful manager
// with an automatic number of workers.
type Config struct {
	Strategy Strategy

	// Workers is the number of common workers to start, including the main
	// worker. WorkersAuto picks max(hardware concurrency / 4, 2).
	Workers int

	// StackSizePages and StackBudget bound the number of live coroutines:
	// StackBudget / (StackSizePages * page size).
	StackSizePages int
	StackBudget    int64

	EnableMigration   bool
	MigrationInterval time.Duration

	Policy              SchedulingPolicy
	MaxExclusiveWorkers int

	// ReuseCoroutines keeps terminated coroutine objects for later launches.
	ReuseCoroutines bool

	// Logger overrides the logger built from LogLevel, LogFormat and
	// LogOutput. LogOutput defaults to stderr.
	Logger    *slog.Logger
	LogLevel  slog.Level
	LogFormat LogFormat
	LogOutput io.Writer
	// TraceFlags is a comma separated list of trace categories, see
	// KnownTraceFlags.
	TraceFlags string

	GC       GC
	Listener ThreadListener
	Observer TransitionObserver
}

func (c Config) withDefaults() (Config, error) {
	if c.Strategy != StrategyStackful && c.Strategy != StrategyThreaded {
		return c, fmt.Errorf("unknown strategy %s", c.Strategy)
	}
	if c.Workers < 0 {
		return c, fmt.Errorf("negative worker count %d", c.Workers)
	}
	if c.Workers == WorkersAuto {
		c.Workers = max(hardwareConcurrency()/4, 2)
	}
	if c.Workers > MaxWorkers {
		return c, fmt.Errorf("worker count %d exceeds %d", c.Workers, MaxWorkers)
	}
	if c.StackSizePages == 0 {
		c.StackSizePages = defaultStackSizePages
	}
	if c.StackBudget == 0 {
		c.StackBudget = defaultStackBudget
	}
	if c.MigrationInterval == 0 {
		c.MigrationInterval = defaultMigrationInterval
	}
	if c.MaxExclusiveWorkers == 0 {
		c.MaxExclusiveWorkers = defaultMaxExclusiveWorkers
	}
	if c.Workers+c.MaxExclusiveWorkers > MaxWorkers {
		return c, fmt.Errorf("%d workers and %d exclusive workers exceed %d", c.Workers, c.MaxExclusiveWorkers, MaxWorkers)
	}
	if c.LogFormat == "" {
		c.LogFormat = LogFormatPretty
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	if c.GC == nil {
		c.GC = nopGC{}
	}
	if c.Listener == nil {
		c.Listener = nopListener{}
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.CoroutineLimit() < 1 {
		return c, fmt.Errorf("stack budget %d holds no coroutine of %d pages", c.StackBudget, c.StackSizePages)
	}
	return c, nil
}

// CoroutineLimit returns the live coroutine ceiling implied by the stack
// settings.
func (c Config) CoroutineLimit() int64 {
	if c.StackSizePages <= 0 {
		return 0
	}
	return c.StackBudget / (int64(c.StackSizePages) * int64(pageSize()))
}

// GC is told about coroutine creation and termination so it can register
// and release per-thread state. Both hooks run with the manager's list lock
// held and must not call back into the manager.
type GC interface {
	OnThreadCreate(co *Coroutine)
	// OnThreadTerminate runs after co left the live set. keep reports
	// whether the object goes back to the reuse pool.
	OnThreadTerminate(co *Coroutine, keep bool)
}

// ThreadListener observes coroutine starts and ends.
type ThreadListener interface {
	OnThreadStart(co *Coroutine)
	OnThreadEnd(co *Coroutine)
}

// TransitionObserver sees every status change, on the goroutine that makes
// it. It must be safe for concurrent use. Transitions into and out of
// StatusRunning for one worker never overlap.
type TransitionObserver interface {
	OnTransition(worker WorkerID, co *Coroutine, from, to Status)
}

type nopGC struct{}

func (nopGC) OnThreadCreate(*Coroutine)          {}
func (nopGC) OnThreadTerminate(*Coroutine, bool) {}

type nopListener struct{}

func (nopListener) OnThreadStart(*Coroutine) {}
func (nopListener) OnThreadEnd(*Coroutine)   {}

type nopObserver struct{}

func (nopObserver) OnTransition(WorkerID, *Coroutine, Status, Status) {}
