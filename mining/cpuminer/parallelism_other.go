//go:build !linux

package cpuminer

import "runtime"

func availableParallelism() (int, error) {
	return runtime.NumCPU(), nil
}
