//go:build !linux

package coroutines

import (
	"os"
	"runtime"
)

func hardwareConcurrency() int {
	return runtime.NumCPU()
}

func pageSize() int {
	return os.Getpagesize()
}
