// Package coroutines schedules lightweight coroutines onto a bounded pool of
// workers, each bound to an OS thread.
//
// Two strategies implement Manager. The stackful manager runs every
// coroutine as a fiber and multiplexes many of them onto few worker loops,
// balancing load by placement and background migration. The threaded
// manager gives every coroutine a thread of its own and lets one of them run
// per worker at a time.
//
// All blocking operations take the calling coroutine as their first
// argument. A manager is created on the goroutine that becomes its main
// coroutine.
package coroutines

import (
	"context"
	"log/slog"
	"time"
)

// Manager is the contract shared by both strategies.
type Manager interface {
	Strategy() Strategy
	Config() Config
	Logger() *slog.Logger

	// Main returns the coroutine adopted from the goroutine that called New.
	Main() *Coroutine
	Worker(id WorkerID) *Worker

	ComputeAffinityMask(cur *Coroutine, mode LaunchMode) AffinityMask
	ChooseWorker(policy PlacementPolicy, mask AffinityMask) *Worker

	Launch(cur *Coroutine, ce *CompletionEvent, method Method, args []any, opts LaunchOptions) error
	// LaunchImmediately switches cur's worker straight into the new
	// coroutine. cur is runnable again once the new coroutine suspends.
	LaunchImmediately(cur *Coroutine, ce *CompletionEvent, method Method, args []any, opts LaunchOptions) error
	LaunchNative(cur *Coroutine, fn NativeFunc, param any, name string, opts LaunchOptions) error

	Await(cur *Coroutine, ev Event)
	UnblockWaiters(ev Event)
	Schedule(cur *Coroutine)
	Sleep(cur *Coroutine, d time.Duration)
	TerminateCoroutine(co *Coroutine) bool

	SuspendAll(cur *Coroutine)
	ResumeAll(cur *Coroutine)
	Safepoint(cur *Coroutine)

	CreateWorkers(ctx context.Context, n int) error
	FinalizeWorkers(cur *Coroutine, n int) error
	ActiveWorkers() int
	CreateExclusiveWorkerForThread() (*Coroutine, error)
	DestroyExclusiveWorker(cur *Coroutine) error

	TriggerMigration()
	StopManagerThread()

	ProgramCompleted() bool
	WaitForDeregistration(main *Coroutine)
	// MainCoroutineCompleted waits for every other coroutine to finish and
	// shuts the manager down.
	MainCoroutineCompleted(main *Coroutine) error
	// Finalize aborts whatever still runs and shuts the manager down.
	Finalize(main *Coroutine) error

	Stats() Stats
	Err() error
}

var (
	_ Manager = (*StackfulManager)(nil)
	_ Manager = (*ThreadedManager)(nil)
)

// New creates a manager for cfg.Strategy. The calling goroutine becomes the
// main coroutine, returned by Main.
func New(cfg Config) (Manager, error) {
	switch cfg.Strategy {
	case StrategyThreaded:
		return NewThreaded(cfg)
	default:
		return NewStackful(cfg)
	}
}

// MainCoroutineCompleted is shared by both strategies.
func (s *scheduler) MainCoroutineCompleted(main *Coroutine) error {
	s.WaitForDeregistration(main)
	return s.self.Finalize(main)
}
