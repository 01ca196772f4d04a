/*
Package corosched runs programs on a coroutine scheduler: many lightweight
coroutines multiplexed onto a bounded pool of OS-thread-bound workers.

The scheduler itself lives in [github.com/kmrgirish/corosched/coroutines].
This package wraps its lifecycle for programs and tools:

	err := corosched.Run(cfg, func(m coroutines.Manager, main *coroutines.Coroutine) error {
		return m.Launch(main, nil, task, nil, coroutines.LaunchOptions{})
	})

Run adopts the calling goroutine as the main coroutine, runs the body, waits
for every mutator coroutine to finish and shuts the manager down.

# Strategies

The stackful strategy runs each coroutine as a fiber and switches between
them on a few worker loops, placing new coroutines on the least loaded worker
and migrating queued ones away from blocked workers. The threaded strategy
gives every coroutine an OS thread and lets one coroutine per worker run at a
time. Both implement the same [coroutines.Manager] interface and are selected
with [coroutines.Config.Strategy].

# Configuration

Configuration can be loaded from HCL files with
[github.com/kmrgirish/corosched/config]. The corosched command runs a
synthetic [Workload] against either strategy, optionally under a chaos
scenario from [github.com/kmrgirish/corosched/nemesis], and records run
reports:

	go run github.com/kmrgirish/corosched/cmd/corosched run -strategy threaded -tasks 1000
	go run github.com/kmrgirish/corosched/cmd/corosched history

# Logging

Managers log through log/slog with JSON records that carry a sequence number,
the worker and, for records about a coroutine, its id. By default records are
rendered for the console; see [coroutines.LogFormat]. [ZapListener] reports
coroutine starts and ends through zap, forwarded to the same slog logger.
*/
package corosched
