package coroutines

import "errors"

type constErr struct {
	error
}

func makeConstErr(err error) error {
	return constErr{error: err}
}

var (
	// ErrCoroutineLimit is returned by the Launch family when the live
	// coroutine ceiling derived from the stack budget has been reached.
	ErrCoroutineLimit = makeConstErr(errors.New("coroutine limit exceeded"))
	// ErrWorkerLimit is returned when the worker id pool is exhausted.
	ErrWorkerLimit = makeConstErr(errors.New("worker limit exceeded"))
	// ErrExclusiveLimit is returned by CreateExclusiveWorkerForThread when the
	// configured number of exclusive workers already exists.
	ErrExclusiveLimit = makeConstErr(errors.New("exclusive worker limit exceeded"))
	// ErrNoWorker is returned when no worker satisfies a coroutine's affinity
	// mask, for example because a pinned worker has shut down.
	ErrNoWorker = makeConstErr(errors.New("no worker matches affinity"))
	// ErrNotSupported is returned by operations a strategy does not implement.
	ErrNotSupported = makeConstErr(errors.New("not supported by scheduling strategy"))
	// ErrShutdown is returned by operations issued after Finalize.
	ErrShutdown = makeConstErr(errors.New("manager is shut down"))

	ErrPanicked = makeConstErr(errors.New("coroutine panicked"))
	ErrAborted  = makeConstErr(errors.New("coroutine aborted"))
)
