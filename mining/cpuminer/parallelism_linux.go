//go:build linux

package cpuminer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// availableParallelism returns the number of CPUs the process may be
// scheduled on.
func availableParallelism() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, err
	}
	n := set.Count()
	if n < 1 {
		return 0, errors.New("empty CPU affinity mask")
	}
	return n, nil
}
