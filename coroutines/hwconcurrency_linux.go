//go:build linux

package coroutines

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// hardwareConcurrency counts the CPUs this process may run on, which can be
// fewer than runtime.NumCPU reports inside a restricted cpuset.
func hardwareConcurrency() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func pageSize() int {
	return unix.Getpagesize()
}
